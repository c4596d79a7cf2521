// Package event defines the change events emitted by the store and their wire encoding.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/bilbo-22/familist/pkg/model"
)

type Name string

const (
	Sync         Name = "sync"
	ListCreated  Name = "list:created"
	ListDeleted  Name = "list:deleted"
	ItemAdded    Name = "item:added"
	ItemUpdated  Name = "item:updated"
	ItemDeleted  Name = "item:deleted"
	OrderUpdated Name = "list:order_updated"
)

// OrderUpdate is the payload of list:order_updated.
type OrderUpdate struct {
	ListID string       `json:"listId"`
	Items  []model.Item `json:"items"`
}

// Event is a decoded event. Data holds one of model.Dataset, model.List, model.Item,
// OrderUpdate or a string id, depending on Name.
type Event struct {
	Name Name
	Data any
}

type envelope struct {
	Event Name            `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func NewSync(d model.Dataset) Event     { return Event{Name: Sync, Data: d} }
func NewListCreated(l model.List) Event { return Event{Name: ListCreated, Data: l} }
func NewListDeleted(id string) Event    { return Event{Name: ListDeleted, Data: id} }
func NewItemAdded(i model.Item) Event   { return Event{Name: ItemAdded, Data: i} }
func NewItemUpdated(i model.Item) Event { return Event{Name: ItemUpdated, Data: i} }
func NewItemDeleted(id string) Event    { return Event{Name: ItemDeleted, Data: id} }
func NewOrderUpdated(listID string, items []model.Item) Event {
	if items == nil {
		items = []model.Item{}
	}
	return Event{Name: OrderUpdated, Data: OrderUpdate{ListID: listID, Items: items}}
}

// Encode renders the event as {"event": name, "data": payload}.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", e.Name, err)
	}
	return json.Marshal(envelope{Event: e.Name, Data: data})
}

// Decode parses an envelope and its payload into the concrete type for the event name.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("failed to decode envelope: %w", err)
	}
	var (
		data any
		err  error
	)
	switch env.Event {
	case Sync:
		var d model.Dataset
		err = json.Unmarshal(env.Data, &d)
		data = d.Clone()
	case ListCreated:
		var l model.List
		err = json.Unmarshal(env.Data, &l)
		data = l
	case ItemAdded, ItemUpdated:
		var i model.Item
		err = json.Unmarshal(env.Data, &i)
		data = i
	case ListDeleted, ItemDeleted:
		var id string
		err = json.Unmarshal(env.Data, &id)
		data = id
	case OrderUpdated:
		var o OrderUpdate
		err = json.Unmarshal(env.Data, &o)
		data = o
	default:
		return Event{}, fmt.Errorf("unknown event %q", env.Event)
	}
	if err != nil {
		return Event{}, fmt.Errorf("failed to decode %s payload: %w", env.Event, err)
	}
	return Event{Name: env.Event, Data: data}, nil
}
