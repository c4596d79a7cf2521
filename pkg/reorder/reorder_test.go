package reorder

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilbo-22/familist/pkg/model"
)

func TestMove(t *testing.T) {
	in := []string{"a", "b", "c", "d"}
	assert.Equal(t, []string{"b", "c", "a", "d"}, Move(in, 0, 2))
	assert.Equal(t, []string{"d", "a", "b", "c"}, Move(in, 3, 0))
	assert.Equal(t, in, Move(in, 1, 1))
	assert.Equal(t, in, Move(in, -1, 2))
	assert.Equal(t, in, Move(in, 1, 9))
	assert.Equal(t, []string{"a", "b", "c", "d"}, in, "input is not modified")
}

// a move never changes the multiset of elements and shifts only the elements between from
// and to by one
func TestMoveIsSingleMove(t *testing.T) {
	in := []int{0, 1, 2, 3, 4, 5, 6}
	for from := range in {
		for to := range in {
			out := Move(in, from, to)
			require.Len(t, out, len(in))
			assert.Equal(t, from, out[to])
			rest := slices.Clone(out)
			rest = slices.Delete(rest, to, to+1)
			expected := slices.Delete(slices.Clone(in), from, from+1)
			assert.Equal(t, expected, rest, "from=%d to=%d", from, to)
		}
	}
}

func sample() []model.Item {
	return []model.Item{
		{ID: "a1", ListID: "A"},
		{ID: "b1", ListID: "B"},
		{ID: "a2", ListID: "A"},
		{ID: "a3", ListID: "A", Completed: true},
		{ID: "a4", ListID: "A"},
		{ID: "b2", ListID: "B"},
	}
}

func TestSplit(t *testing.T) {
	active, completed := Split(sample(), "A")
	assert.Equal(t, []string{"a1", "a2", "a4"}, model.IDs(active))
	assert.Equal(t, []string{"a3"}, model.IDs(completed))
}

func TestGestureReorders(t *testing.T) {
	g := NewGesture(sample(), "A")
	g.Begin(0, Point{})
	require.True(t, g.Active())

	order, changed := g.Hover(1, Point{Y: 20})
	require.True(t, changed)
	assert.Equal(t, []string{"a2", "a1", "a4", "a3"}, model.IDs(order))
	assert.Equal(t, []string{"a2", "a1", "a4", "a3", "b1", "b2"}, model.IDs(model.Splice(sample(), "A", order)))

	order, changed = g.Hover(2, Point{Y: 40})
	require.True(t, changed)
	assert.Equal(t, []string{"a2", "a4", "a1", "a3"}, model.IDs(order))
	assert.Equal(t, 2, g.Index())

	order, send := g.End()
	assert.True(t, send)
	assert.Equal(t, []string{"a2", "a4", "a1", "a3"}, model.IDs(order))
	assert.False(t, g.Active())
}

func TestGestureBelowThresholdIsATap(t *testing.T) {
	g := NewGesture(sample(), "A")
	g.Begin(0, Point{X: 10, Y: 10})

	_, changed := g.Hover(1, Point{X: 12, Y: 12})
	assert.False(t, changed)

	_, send := g.End()
	assert.False(t, send)
}

func TestGestureNoNetMovement(t *testing.T) {
	g := NewGesture(sample(), "A")
	g.Begin(1, Point{})
	_, changed := g.Hover(0, Point{Y: -30})
	require.True(t, changed)
	_, changed = g.Hover(1, Point{Y: 0})
	require.True(t, changed)

	order, send := g.End()
	assert.False(t, send)
	assert.Equal(t, []string{"a1", "a2", "a4", "a3"}, model.IDs(order))
}

func TestGestureDisabledForCompleted(t *testing.T) {
	g := NewGesture(sample(), "A")
	g.Begin(-1, Point{})
	assert.False(t, g.Active())

	_, changed := g.Hover(0, Point{Y: 100})
	assert.False(t, changed)
	order, send := g.End()
	assert.Nil(t, order)
	assert.False(t, send)
}

func TestGestureIgnoresOutOfRangeHover(t *testing.T) {
	g := NewGesture(sample(), "A")
	g.Begin(0, Point{})
	_, changed := g.Hover(3, Point{Y: 100})
	assert.False(t, changed, "index 3 is the completed item")
	_, changed = g.Hover(-1, Point{Y: 100})
	assert.False(t, changed)
}
