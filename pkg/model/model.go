package model

// List is a named group of items. It is never mutated after creation, only deleted.
type List struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

// Item belongs to exactly one list. The position of an item inside Dataset.Items is its
// display order within its list.
type Item struct {
	ID        string `json:"id"`
	ListID    string `json:"listId"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
	CreatedAt int64  `json:"createdAt"`
}

// Dataset is the whole shared state. Items of different lists are interleaved in one
// sequence; the per-list order is recovered by filtering on ListID.
type Dataset struct {
	Lists []List `json:"lists"`
	Items []Item `json:"items"`
}

// Clone returns a deep copy with non-nil slices, so that it always encodes as arrays.
func (d Dataset) Clone() Dataset {
	out := Dataset{
		Lists: make([]List, len(d.Lists)),
		Items: make([]Item, len(d.Items)),
	}
	copy(out.Lists, d.Lists)
	copy(out.Items, d.Items)
	return out
}

func (d Dataset) HasList(id string) bool {
	for _, l := range d.Lists {
		if l.ID == id {
			return true
		}
	}
	return false
}

func (d Dataset) HasItem(id string) bool {
	return FindItem(d.Items, id) >= 0
}

// ItemsOf returns the items of one list in sequence order.
func (d Dataset) ItemsOf(listID string) []Item {
	return ItemsOf(d.Items, listID)
}

// RemoveList drops the list and cascades to every item that references it.
func (d *Dataset) RemoveList(id string) {
	lists := d.Lists[:0]
	for _, l := range d.Lists {
		if l.ID != id {
			lists = append(lists, l)
		}
	}
	d.Lists = lists
	d.Items = filterItems(d.Items, func(i Item) bool { return i.ListID != id })
}

func (d *Dataset) RemoveItem(id string) {
	d.Items = filterItems(d.Items, func(i Item) bool { return i.ID != id })
}

// PrependItem inserts the item at the head of the sequence.
func (d *Dataset) PrependItem(item Item) {
	d.Items = append([]Item{item}, d.Items...)
}

// SetCompleted updates the item in place and returns the updated copy. ok is false when no
// item has that id.
func (d *Dataset) SetCompleted(id string, completed bool) (Item, bool) {
	idx := FindItem(d.Items, id)
	if idx < 0 {
		return Item{}, false
	}
	d.Items[idx].Completed = completed
	return d.Items[idx], true
}

// ReplaceItem swaps the stored item with the same id. Unknown ids are ignored.
func (d *Dataset) ReplaceItem(item Item) {
	if idx := FindItem(d.Items, item.ID); idx >= 0 {
		d.Items[idx] = item
	}
}

func FindItem(items []Item, id string) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func ItemsOf(items []Item, listID string) []Item {
	return filterItems(append([]Item(nil), items...), func(i Item) bool { return i.ListID == listID })
}

// Splice places sorted ahead of every item that does not belong to listID. Items of other
// lists keep their relative order. This is the shape produced by a reorder on both the
// store and the clients.
func Splice(items []Item, listID string, sorted []Item) []Item {
	out := make([]Item, 0, len(sorted)+len(items))
	out = append(out, sorted...)
	for _, it := range items {
		if it.ListID != listID {
			out = append(out, it)
		}
	}
	return out
}

// IDs lists item ids in order.
func IDs(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func filterItems(items []Item, keep func(Item) bool) []Item {
	out := items[:0]
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}
