// Package reorder turns drag gestures over a list's active items into single-element moves
// and the list order that is previewed locally and sent to the server.
package reorder

import (
	"math"
	"slices"

	"github.com/bilbo-22/familist/pkg/model"
)

// DefaultThreshold is the pointer distance a drag must travel before it reorders anything.
const DefaultThreshold = 5.0

// Move returns a copy of items with the element at from relocated to to. Out of range or
// equal indices return an unchanged copy.
func Move[T any](items []T, from, to int) []T {
	out := slices.Clone(items)
	if from == to || from < 0 || to < 0 || from >= len(out) || to >= len(out) {
		return out
	}
	moved := out[from]
	out = slices.Delete(out, from, from+1)
	return slices.Insert(out, to, moved)
}

// Split returns the list's active and completed items in their current relative order.
func Split(items []model.Item, listID string) (active, completed []model.Item) {
	for _, it := range items {
		if it.ListID != listID {
			continue
		}
		if it.Completed {
			completed = append(completed, it)
		} else {
			active = append(active, it)
		}
	}
	return active, completed
}

type Point struct {
	X, Y float64
}

func (p Point) distance(o Point) float64 {
	return math.Hypot(p.X-o.X, p.Y-o.Y)
}

// Gesture tracks one drag over the active items of a list. Completed items are never
// draggable; they are addressed with a negative index.
type Gesture struct {
	Threshold float64

	listID    string
	active    []model.Item
	completed []model.Item
	initial   []string

	enabled bool
	armed   bool
	current int
	start   Point
}

// NewGesture starts from the list's items as they are in items.
func NewGesture(items []model.Item, listID string) *Gesture {
	g := &Gesture{Threshold: DefaultThreshold, listID: listID}
	g.active, g.completed = Split(items, listID)
	return g
}

// Begin picks up the active item at index. A negative or out of range index leaves the
// gesture disabled.
func (g *Gesture) Begin(index int, pos Point) {
	g.initial = model.IDs(g.active)
	g.enabled = index >= 0 && index < len(g.active)
	g.armed = false
	g.current = index
	g.start = pos
}

// Active reports whether a drag is in progress.
func (g *Gesture) Active() bool {
	return g.enabled
}

// Index is the dragged item's current position among the active items.
func (g *Gesture) Index() int {
	return g.current
}

// Hover moves the dragged item to index once the pointer is Threshold away from where the
// gesture began. It returns the list's new order (active then completed) and true when the
// order changed. Items of other lists are not part of it, so callers splice it into their
// current sequence.
func (g *Gesture) Hover(index int, pos Point) ([]model.Item, bool) {
	if !g.enabled {
		return nil, false
	}
	if !g.armed {
		if pos.distance(g.start) < g.Threshold {
			return nil, false
		}
		g.armed = true
	}
	if index == g.current || index < 0 || index >= len(g.active) {
		return nil, false
	}
	g.active = Move(g.active, g.current, index)
	g.current = index
	return g.listOrder(), true
}

// End finishes the gesture. It returns the list's full order (active then completed) and
// whether it differs from the order at Begin, in which case it must be sent to the server.
func (g *Gesture) End() ([]model.Item, bool) {
	if !g.enabled {
		return nil, false
	}
	g.enabled = false
	order := g.listOrder()
	return order, g.armed && !slices.Equal(g.initial, model.IDs(g.active))
}

func (g *Gesture) listOrder() []model.Item {
	out := make([]model.Item, 0, len(g.active)+len(g.completed))
	out = append(out, g.active...)
	return append(out, g.completed...)
}
