package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bilbo-22/familist/pkg/cache"
	"github.com/bilbo-22/familist/pkg/event"
	"github.com/bilbo-22/familist/pkg/hub"
	"github.com/bilbo-22/familist/pkg/model"
	"github.com/bilbo-22/familist/pkg/reorder"
	"github.com/bilbo-22/familist/pkg/server"
	"github.com/bilbo-22/familist/pkg/store"
)

// flaky drops every connection while down, which the client sees as a transport failure.
type flaky struct {
	down atomic.Bool
	next http.Handler
}

func (f *flaky) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.down.Load() {
		panic(http.ErrAbortHandler)
	}
	f.next.ServeHTTP(w, r)
}

type backend struct {
	url   string
	store *store.Store
	hub   *hub.Hub
	link  *flaky
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	st, err := store.Open(store.Options{ValidateReorder: true, IdempotencyWindow: 64})
	require.NoError(t, err)
	h := hub.New(st, hub.Options{})
	link := &flaky{next: server.New(st, h, nil, nil).Handler()}
	ts := httptest.NewServer(link)
	t.Cleanup(func() {
		h.Close()
		ts.Close()
	})
	return &backend{url: ts.URL, store: st, hub: h, link: link}
}

func newClient(t *testing.T, serverURL string, c *cache.Cache) *Client {
	t.Helper()
	cl, err := New(Options{ServerURL: serverURL, Cache: c, ReconnectInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	return cl
}

func openCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func run(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return c.View().State().Connected }, 5*time.Second, 10*time.Millisecond)
}

func TestIsTransport(t *testing.T) {
	assert.False(t, IsTransport(nil))
	assert.False(t, IsTransport(&StatusError{Code: 500}))
	assert.False(t, IsTransport(fmt.Errorf("wrapped: %w", &StatusError{Code: 404})))
	assert.False(t, IsTransport(&url.Error{Op: "Get", URL: "x", Err: context.Canceled}))
	assert.True(t, IsTransport(&url.Error{Op: "Get", URL: "x", Err: errors.New("connection refused")}))
	assert.True(t, IsTransport(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	assert.False(t, IsTransport(errors.New("plain")))
}

func TestTwoClientsConverge(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	alice := newClient(t, b.url, openCache(t))
	bob := newClient(t, b.url, openCache(t))
	require.NoError(t, alice.Load(ctx))
	require.NoError(t, bob.Load(ctx))
	run(t, alice)
	run(t, bob)

	list, err := alice.CreateList(ctx, "Groceries")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(bob.View().State().Lists) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, list.ID, bob.View().State().Selected)

	added, err := bob.AddItems(ctx, []string{"Milk", " ", "Eggs"})
	require.NoError(t, err)
	require.Len(t, added, 2)
	require.Eventually(t, func() bool { return len(alice.View().State().Items) == 2 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, alice.ToggleItem(ctx, added[0].ID))

	require.Eventually(t, func() bool {
		want := b.store.Snapshot()
		return assert.ObjectsAreEqual(want, alice.View().Dataset()) &&
			assert.ObjectsAreEqual(want, bob.View().Dataset())
	}, 5*time.Second, 10*time.Millisecond)

	snap := b.store.Snapshot()
	assert.Equal(t, []string{added[1].ID, added[0].ID}, model.IDs(snap.Items))
	assert.True(t, snap.Items[1].Completed)
}

func TestClientGuards(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	c := newClient(t, b.url, nil)
	require.NoError(t, c.Load(ctx))

	_, err := c.AddItems(ctx, []string{"Milk"})
	assert.ErrorIs(t, err, ErrNoListSelected)

	list, err := c.CreateList(ctx, "Only")
	require.NoError(t, err)
	assert.ErrorIs(t, c.DeleteList(ctx, list.ID), ErrLastList)
	assert.Len(t, b.store.Snapshot().Lists, 1)

	assert.NoError(t, c.ToggleItem(ctx, "missing"))
}

func TestRejectedReorderIsNotQueued(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	oc := openCache(t)
	c := newClient(t, b.url, oc)
	require.NoError(t, c.Load(ctx))
	list, err := c.CreateList(ctx, "Groceries")
	require.NoError(t, err)
	_, err = c.AddItems(ctx, []string{"Milk", "Eggs"})
	require.NoError(t, err)

	err = c.Reorder(ctx, list.ID, []model.Item{{ID: "bogus", ListID: list.ID}})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.Code)
	assert.False(t, IsTransport(err))

	pending, err := oc.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	// the view was reloaded from the server
	assert.Equal(t, b.store.Snapshot(), c.View().Dataset())
}

func TestOfflineFallbackAndReplay(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	oc := openCache(t)
	c := newClient(t, b.url, oc)
	require.NoError(t, c.Load(ctx))
	list, err := c.CreateList(ctx, "Groceries")
	require.NoError(t, err)

	b.link.down.Store(true)
	milk, err := c.AddItem(ctx, "Milk")
	require.NoError(t, err, "an unreachable server is not an error for the caller")
	require.NoError(t, c.ToggleItem(ctx, milk.ID))
	eggs, err := c.AddItem(ctx, "Eggs")
	require.NoError(t, err)
	require.NoError(t, c.Reorder(ctx, list.ID, []model.Item{milk, eggs}))

	pending, err := oc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	cached, err := oc.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{milk.ID, eggs.ID}, model.IDs(cached.Items))
	assert.True(t, cached.Items[0].Completed)
	assert.Len(t, cached.Lists, 1, "online writes are mirrored too")
	assert.Empty(t, b.store.Snapshot().Items)

	// a fresh client started while offline comes up from the cache
	offline := newClient(t, b.url, oc)
	require.NoError(t, offline.Load(ctx))
	assert.Equal(t, cached, offline.View().Dataset())

	n, err := c.Replay(ctx)
	require.Error(t, err)
	assert.Zero(t, n)

	b.link.down.Store(false)
	n, err = c.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	snap := b.store.Snapshot()
	assert.Equal(t, []string{milk.ID, eggs.ID}, model.IDs(snap.Items))
	assert.True(t, snap.Items[0].Completed)

	pending, err = oc.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	oc := openCache(t)
	c := newClient(t, b.url, oc)

	entry := cache.Entry{
		Key:    "k1",
		Method: http.MethodPost,
		Path:   "/api/items",
		Body:   []byte(`{"id":"I1","listId":"L1","text":"Milk"}`),
	}
	require.NoError(t, oc.Enqueue(ctx, entry))
	n, err := c.Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// the reply was lost, so the same entry comes back
	require.NoError(t, oc.Enqueue(ctx, entry))
	n, err = c.Replay(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Len(t, b.store.Snapshot().Items, 1)
}

func TestReplayDropsRejectedEntries(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	oc := openCache(t)
	c := newClient(t, b.url, oc)

	require.NoError(t, oc.Enqueue(ctx, cache.Entry{Key: "bad", Method: http.MethodPost, Path: "/api/lists", Body: []byte("{")}))
	require.NoError(t, oc.Enqueue(ctx, cache.Entry{Key: "good", Method: http.MethodPost, Path: "/api/lists", Body: []byte(`{"id":"L1"}`)}))

	n, err := c.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, b.store.Snapshot().Lists, 1)
}

func TestRunReplaysOnConnect(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	oc := openCache(t)
	require.NoError(t, oc.Enqueue(ctx, cache.Entry{Key: "k1", Method: http.MethodPost, Path: "/api/lists", Body: []byte(`{"id":"L1","name":"Groceries"}`)}))

	c := newClient(t, b.url, oc)
	run(t, c)

	require.Eventually(t, func() bool { return len(c.View().State().Lists) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, b.store.Snapshot().Lists, 1)
	pending, err := oc.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunReconnects(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	c := newClient(t, b.url, nil)
	run(t, c)

	b.hub.Close()
	require.NoError(t, b.store.CreateList(ctx, model.List{ID: "L1"}))
	// whether the event went out before or after the drop, the next sync carries it
	require.Eventually(t, func() bool { return len(c.View().State().Lists) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return b.hub.Sessions() == 1 && c.View().State().Connected }, 5*time.Second, 10*time.Millisecond)
}

func TestOnlineWriteWaitsForOutbox(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	oc := openCache(t)
	c := newClient(t, b.url, oc)
	require.NoError(t, c.Load(ctx))
	_, err := c.CreateList(ctx, "Groceries")
	require.NoError(t, err)

	b.link.down.Store(true)
	milk, err := c.AddItem(ctx, "Milk")
	require.NoError(t, err)

	// the server is back but nothing has replayed the outbox yet; the toggle must not
	// reach the server before the add it depends on
	b.link.down.Store(false)
	require.NoError(t, c.ToggleItem(ctx, milk.ID))

	snap := b.store.Snapshot()
	require.Equal(t, []string{milk.ID}, model.IDs(snap.Items))
	assert.True(t, snap.Items[0].Completed)
	pending, err := oc.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWritesQueueBehindUndrainedOutbox(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	oc := openCache(t)
	c := newClient(t, b.url, oc)
	require.NoError(t, c.Load(ctx))
	_, err := c.CreateList(ctx, "Groceries")
	require.NoError(t, err)

	b.link.down.Store(true)
	milk, err := c.AddItem(ctx, "Milk")
	require.NoError(t, err)
	require.NoError(t, c.ToggleItem(ctx, milk.ID))

	pending, err := oc.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, http.MethodPost, pending[0].Method)
	assert.Equal(t, http.MethodPatch, pending[1].Method)
}

// gatedTransport holds every write until release is closed.
type gatedTransport struct {
	release chan struct{}
}

func (g gatedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Method != http.MethodGet {
		select {
		case <-g.release:
		case <-r.Context().Done():
			return nil, r.Context().Err()
		}
	}
	return http.DefaultTransport.RoundTrip(r)
}

func TestEventsAreReadWhileReplaying(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	require.NoError(t, b.store.CreateList(ctx, model.List{ID: "L1", Name: "Groceries"}))
	oc := openCache(t)
	for i := range 50 {
		require.NoError(t, oc.Enqueue(ctx, cache.Entry{
			Key:    fmt.Sprintf("k%d", i),
			Method: http.MethodPost,
			Path:   "/api/items",
			Body:   []byte(fmt.Sprintf(`{"id":"I%d","listId":"L1","text":"item %d"}`, i, i)),
		}))
	}

	release := make(chan struct{})
	c, err := New(Options{
		ServerURL:         b.url,
		Cache:             oc,
		ReconnectInterval: 20 * time.Millisecond,
		HTTPClient:        &http.Client{Transport: gatedTransport{release: release}},
	})
	require.NoError(t, err)
	run(t, c)

	// the sync frame is applied while the replay is still held up
	require.Eventually(t, func() bool { return len(c.View().State().Lists) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, b.store.Snapshot().Items)

	close(release)
	require.Eventually(t, func() bool { return len(c.View().State().Items) == 50 }, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, b.store.Snapshot().Items, 50)
	assert.Equal(t, 1, b.hub.Sessions())
	require.Eventually(t, func() bool {
		pending, err := oc.Pending(ctx)
		return err == nil && len(pending) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPreviewKeepsRemoteChanges(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:1", nil)
	c.View().Apply(event.NewSync(groceries()))

	g := reorder.NewGesture(c.View().State().Items, "L1")
	g.Begin(0, reorder.Point{})
	require.True(t, g.Active())

	// another device writes while the drag is in progress
	c.View().Apply(event.NewItemAdded(model.Item{ID: "REMOTE", ListID: "L2", Text: "Screws"}))
	c.View().Apply(event.NewItemAdded(model.Item{ID: "I3", ListID: "L1", Text: "Bread"}))
	c.View().Apply(event.NewItemUpdated(model.Item{ID: "I1", ListID: "L1", Text: "Milk", Completed: true}))
	c.View().Apply(event.NewItemDeleted("H1"))

	order, changed := g.Hover(1, reorder.Point{Y: 10})
	require.True(t, changed)
	assert.Equal(t, []string{"I1", "I2"}, model.IDs(order))
	c.Preview("L1", order)

	d := c.View().Dataset()
	assert.True(t, d.HasItem("REMOTE"))
	assert.False(t, d.HasItem("H1"))
	assert.Equal(t, []string{"I1", "I2", "I3", "REMOTE"}, model.IDs(d.Items))
	assert.True(t, d.Items[0].Completed, "the view's copy of a dragged item wins")

	// cancelling restores the order from before the drag, still keeping the remote writes
	c.Preview("L1", model.ItemsOf(groceries().Items, "L1"))
	assert.Equal(t, []string{"I2", "I1", "I3", "REMOTE"}, model.IDs(c.View().Dataset().Items))
}

type fakeTranscriber struct {
	texts []string
	err   error
}

func (f fakeTranscriber) Extract(context.Context, []byte, string) ([]string, error) {
	return f.texts, f.err
}

func TestAddFromAudio(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	c := newClient(t, b.url, nil)
	require.NoError(t, c.Load(ctx))

	_, err := c.AddFromAudio(ctx, fakeTranscriber{texts: []string{"Milk"}}, nil, "audio/webm")
	assert.ErrorIs(t, err, ErrNoListSelected)

	_, err = c.CreateList(ctx, "Groceries")
	require.NoError(t, err)

	boom := errors.New("quota exceeded")
	_, err = c.AddFromAudio(ctx, fakeTranscriber{err: boom}, []byte("..."), "audio/webm")
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, c.View().State().Items)

	items, err := c.AddFromAudio(ctx, fakeTranscriber{texts: []string{"Milk", "Eggs"}}, []byte("..."), "audio/webm")
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, []string{"Eggs", "Milk"}, []string{c.View().State().Items[0].Text, c.View().State().Items[1].Text})
}
