package client

import (
	"sync"

	"github.com/bilbo-22/familist/pkg/event"
	"github.com/bilbo-22/familist/pkg/model"
)

// State is a point-in-time copy of a View.
type State struct {
	Lists     []model.List
	Items     []model.Item
	Selected  string
	Connected bool
}

// SelectedItems returns the items of the selected list in display order.
func (s State) SelectedItems() []model.Item {
	return model.ItemsOf(s.Items, s.Selected)
}

// View is the client's copy of the dataset plus the list the user is looking at. Local
// optimistic writes and remote events go through the same lock and are reconciled by id.
type View struct {
	mu        sync.Mutex
	data      model.Dataset
	selected  string
	connected bool
	onChange  func()
}

func NewView() *View {
	return &View{data: model.Dataset{}.Clone()}
}

// OnChange registers fn to run after every change. fn runs outside the view lock and should
// read State rather than assume what changed.
func (v *View) OnChange(fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onChange = fn
}

func (v *View) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	d := v.data.Clone()
	return State{Lists: d.Lists, Items: d.Items, Selected: v.selected, Connected: v.connected}
}

func (v *View) Dataset() model.Dataset {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.data.Clone()
}

// Select changes the selected list. Unknown ids are ignored.
func (v *View) Select(id string) {
	v.update(func() bool {
		if !v.data.HasList(id) || v.selected == id {
			return false
		}
		v.selected = id
		return true
	})
}

func (v *View) SetConnected(connected bool) {
	v.update(func() bool {
		if v.connected == connected {
			return false
		}
		v.connected = connected
		return true
	})
}

// Apply folds one server event into the view. Every case is idempotent, so an event that
// echoes an optimistic write leaves the view unchanged.
func (v *View) Apply(ev event.Event) {
	v.update(func() bool {
		switch data := ev.Data.(type) {
		case model.Dataset:
			v.data = data.Clone()
			if !v.data.HasList(v.selected) {
				v.selectFirst()
			}
		case model.List:
			v.addList(data)
		case model.Item:
			if ev.Name == event.ItemAdded {
				if v.data.HasItem(data.ID) {
					return false
				}
				v.data.PrependItem(data)
			} else {
				v.data.ReplaceItem(data)
			}
		case event.OrderUpdate:
			v.data.Items = model.Splice(v.data.Items, data.ListID, data.Items)
		case string:
			if ev.Name == event.ListDeleted {
				v.removeList(data)
			} else {
				v.data.RemoveItem(data)
			}
		default:
			return false
		}
		return true
	})
}

// mutate runs fn under the lock and notifies when it reports a change.
func (v *View) mutate(fn func(d *model.Dataset) bool) {
	v.update(func() bool { return fn(&v.data) })
}

func (v *View) update(fn func() bool) {
	v.mu.Lock()
	changed := fn()
	notify := v.onChange
	v.mu.Unlock()
	if changed && notify != nil {
		notify()
	}
}

// addList appends the list unless present and selects it when nothing is selected.
func (v *View) addList(l model.List) {
	if v.data.HasList(l.ID) {
		return
	}
	v.data.Lists = append(v.data.Lists, l)
	if v.selected == "" {
		v.selected = l.ID
	}
}

func (v *View) removeList(id string) {
	v.data.RemoveList(id)
	if v.selected == id {
		v.selectFirst()
	}
}

func (v *View) selectFirst() {
	v.selected = ""
	if len(v.data.Lists) > 0 {
		v.selected = v.data.Lists[0].ID
	}
}
