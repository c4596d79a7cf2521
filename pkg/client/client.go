// Package client keeps a local view of the shared dataset in step with the server. Writes
// are applied to the view first and then sent; when the server cannot be reached they are
// kept in the local cache outbox and replayed on the next connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bilbo-22/familist/pkg/cache"
	"github.com/bilbo-22/familist/pkg/event"
	"github.com/bilbo-22/familist/pkg/model"
)

var (
	ErrLastList       = errors.New("you must have at least one list")
	ErrNoListSelected = errors.New("no list selected")
)

type Options struct {
	ServerURL string
	// Cache is optional. Without it transport failures are returned to the caller.
	Cache             *cache.Cache
	ReconnectInterval time.Duration
	HTTPClient        *http.Client
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
	Now               func() time.Time
}

type Client struct {
	view      *View
	api       *API
	cache     *cache.Cache
	dialer    *websocket.Dialer
	reconnect time.Duration
	logger    *slog.Logger
	now       func() time.Time

	// replayMu serializes outbox replay so an entry is never sent twice concurrently.
	replayMu sync.Mutex
}

func New(opts Options) (*Client, error) {
	api, err := NewAPI(opts.ServerURL, opts.HTTPClient)
	if err != nil {
		return nil, err
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		view:      NewView(),
		api:       api,
		cache:     opts.Cache,
		dialer:    opts.Dialer,
		reconnect: opts.ReconnectInterval,
		logger:    opts.Logger,
		now:       opts.Now,
	}, nil
}

func (c *Client) View() *View {
	return c.view
}

// Load fetches the dataset from the server and caches it. When the server cannot be reached
// the cached snapshot is used instead, or an empty dataset if nothing was cached yet.
func (c *Client) Load(ctx context.Context) error {
	d, err := c.api.Data(ctx)
	if err == nil {
		c.view.Apply(event.NewSync(d))
		if c.cache != nil {
			if err := c.cache.SaveSnapshot(ctx, d); err != nil {
				c.logger.Error("failed to cache data", "err", err)
			}
		}
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	c.logger.Warn("server unreachable, using offline data", "err", err)
	if c.cache == nil {
		return fmt.Errorf("failed to load data: %w", err)
	}
	cached, cerr := c.cache.LoadSnapshot(ctx)
	if errors.Is(cerr, cache.ErrNoSnapshot) {
		cached = model.Dataset{}.Clone()
	} else if cerr != nil {
		return fmt.Errorf("failed to load cached data: %w", cerr)
	}
	c.view.Apply(event.NewSync(cached))
	return nil
}

// CreateList adds a list with a fresh id and selects it.
func (c *Client) CreateList(ctx context.Context, name string) (model.List, error) {
	l := model.List{ID: uuid.NewString(), Name: name, CreatedAt: c.now().UnixMilli()}
	c.view.update(func() bool {
		c.view.data.Lists = append(c.view.data.Lists, l)
		c.view.selected = l.ID
		return true
	})
	return l, c.send(ctx, createListMutation(l), func(d *model.Dataset) {
		d.Lists = append(d.Lists, l)
	})
}

// DeleteList removes the list and its items. The last remaining list cannot be deleted.
func (c *Client) DeleteList(ctx context.Context, id string) error {
	var refused bool
	c.view.update(func() bool {
		if len(c.view.data.Lists) <= 1 {
			refused = true
			return false
		}
		c.view.removeList(id)
		return true
	})
	if refused {
		return ErrLastList
	}
	return c.send(ctx, deleteListMutation(id), func(d *model.Dataset) {
		d.RemoveList(id)
	})
}

// AddItem adds one item to the selected list.
func (c *Client) AddItem(ctx context.Context, text string) (model.Item, error) {
	items, err := c.AddItems(ctx, []string{text})
	if len(items) == 0 {
		return model.Item{}, err
	}
	return items[0], err
}

// AddItems adds one item per text to the selected list. Each is inserted at the head, so
// the last text ends up first.
func (c *Client) AddItems(ctx context.Context, texts []string) ([]model.Item, error) {
	listID := c.view.State().Selected
	if listID == "" {
		return nil, ErrNoListSelected
	}
	var (
		added []model.Item
		errs  []error
	)
	for _, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		it := model.Item{ID: uuid.NewString(), ListID: listID, Text: text, CreatedAt: c.now().UnixMilli()}
		c.view.mutate(func(d *model.Dataset) bool {
			d.PrependItem(it)
			return true
		})
		added = append(added, it)
		if err := c.send(ctx, addItemMutation(it), func(d *model.Dataset) { d.PrependItem(it) }); err != nil {
			errs = append(errs, err)
		}
	}
	return added, errors.Join(errs...)
}

// ToggleItem flips the completed flag. Unknown ids are ignored.
func (c *Client) ToggleItem(ctx context.Context, id string) error {
	var (
		completed bool
		found     bool
	)
	c.view.mutate(func(d *model.Dataset) bool {
		idx := model.FindItem(d.Items, id)
		if idx < 0 {
			return false
		}
		found = true
		completed = !d.Items[idx].Completed
		d.Items[idx].Completed = completed
		return true
	})
	if !found {
		return nil
	}
	return c.send(ctx, toggleItemMutation(id, completed), func(d *model.Dataset) {
		d.SetCompleted(id, completed)
	})
}

func (c *Client) DeleteItem(ctx context.Context, id string) error {
	c.view.mutate(func(d *model.Dataset) bool {
		if !d.HasItem(id) {
			return false
		}
		d.RemoveItem(id)
		return true
	})
	return c.send(ctx, deleteItemMutation(id), func(d *model.Dataset) {
		d.RemoveItem(id)
	})
}

// Preview shows order as the list's order without telling the server, used while a drag is
// in progress. order may predate events applied since: ids no longer in the view are
// skipped, the view's copy of each item wins, and list items missing from order stay after it.
func (c *Client) Preview(listID string, order []model.Item) {
	c.view.mutate(func(d *model.Dataset) bool {
		d.Items = model.Splice(d.Items, listID, mergeOrder(d.Items, listID, order))
		return true
	})
}

func mergeOrder(current []model.Item, listID string, order []model.Item) []model.Item {
	pending := make(map[string]model.Item)
	for _, it := range current {
		if it.ListID == listID {
			pending[it.ID] = it
		}
	}
	out := make([]model.Item, 0, len(pending))
	for _, it := range order {
		if cur, ok := pending[it.ID]; ok {
			out = append(out, cur)
			delete(pending, it.ID)
		}
	}
	for _, it := range current {
		if _, ok := pending[it.ID]; ok {
			out = append(out, it)
			delete(pending, it.ID)
		}
	}
	return out
}

// Reorder stores sorted as the order of the list's items.
func (c *Client) Reorder(ctx context.Context, listID string, sorted []model.Item) error {
	c.view.mutate(func(d *model.Dataset) bool {
		d.Items = model.Splice(d.Items, listID, sorted)
		return true
	})
	return c.send(ctx, reorderMutation(listID, sorted), func(d *model.Dataset) {
		d.Items = model.Splice(d.Items, listID, sorted)
	})
}

// send delivers m and mirrors it into the cached snapshot. When the server is unreachable
// the mutation is also queued for replay, and the write counts as done. Queued mutations go
// out first; while they cannot, m is queued behind them. A reply with an error status is
// returned as is and the view is refreshed from the server.
func (c *Client) send(ctx context.Context, m Mutation, mirror func(d *model.Dataset)) error {
	if c.cache == nil {
		err := c.api.Do(ctx, m, "")
		if err != nil {
			c.reloadOnReject(ctx, m, err)
		}
		return err
	}

	c.replayMu.Lock()
	defer c.replayMu.Unlock()
	if n, err := c.replayLocked(ctx); err != nil {
		c.logger.Warn("outbox not drained, queueing mutation behind it", "method", m.Method, "path", m.Path, "replayed", n, "err", err)
		return c.enqueue(ctx, m, mirror)
	}

	err := c.api.Do(ctx, m, "")
	switch {
	case err == nil:
		if err := c.cache.UpdateSnapshot(ctx, mirror); err != nil {
			c.logger.Error("failed to cache mutation", "err", err)
		}
		return nil
	case IsTransport(err):
		c.logger.Warn("server unreachable, queueing mutation", "method", m.Method, "path", m.Path, "err", err)
		return c.enqueue(ctx, m, mirror)
	default:
		c.reloadOnReject(ctx, m, err)
		return err
	}
}

func (c *Client) reloadOnReject(ctx context.Context, m Mutation, err error) {
	var se *StatusError
	if !errors.As(err, &se) {
		return
	}
	c.logger.Warn("server rejected mutation, reloading", "method", m.Method, "path", m.Path, "err", err)
	if lerr := c.Load(ctx); lerr != nil {
		c.logger.Error("failed to reload", "err", lerr)
	}
}

// enqueue applies mirror to the cached snapshot and appends m to the outbox. The caller
// holds replayMu.
func (c *Client) enqueue(ctx context.Context, m Mutation, mirror func(d *model.Dataset)) error {
	if err := c.cache.UpdateSnapshot(ctx, mirror); err != nil {
		return fmt.Errorf("failed to update offline data: %w", err)
	}
	if err := c.cache.Enqueue(ctx, cache.Entry{
		Key:    uuid.NewString(),
		Method: m.Method,
		Path:   m.Path,
		Body:   m.Body,
	}); err != nil {
		return fmt.Errorf("failed to queue mutation: %w", err)
	}
	return nil
}

// Replay sends queued mutations in order with their idempotency keys. Entries are removed
// once the server answers 2xx or 4xx; replay stops at the first failure that may succeed
// later. It returns how many entries were removed.
func (c *Client) Replay(ctx context.Context) (int, error) {
	if c.cache == nil {
		return 0, nil
	}
	c.replayMu.Lock()
	defer c.replayMu.Unlock()
	return c.replayLocked(ctx)
}

func (c *Client) replayLocked(ctx context.Context) (int, error) {
	pending, err := c.cache.Pending(ctx)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, e := range pending {
		err := c.api.Do(ctx, Mutation{Method: e.Method, Path: e.Path, Body: e.Body}, e.Key)
		var se *StatusError
		if errors.As(err, &se) && se.Permanent() {
			c.logger.Warn("dropping rejected offline mutation", "method", e.Method, "path", e.Path, "err", err)
		} else if err != nil {
			return done, fmt.Errorf("failed to replay %s %s: %w", e.Method, e.Path, err)
		}
		if err := c.cache.Remove(ctx, e.Seq); err != nil {
			return done, err
		}
		done++
	}
	return done, nil
}

// Run keeps an event subscription open until ctx is done, reconnecting every reconnect
// interval after a failure.
func (c *Client) Run(ctx context.Context) {
	t := time.NewTicker(c.reconnect)
	defer t.Stop()
	for {
		if err := c.subscribe(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to subscribe", "err", err)
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			c.logger.Info("stopping subscription")
			return
		}
	}
}

func (c *Client) subscribe(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.api.EventsURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	c.view.SetConnected(true)
	defer c.view.SetConnected(false)

	// the outbox drains while events are read, so the session queue never backs up behind
	// a long replay. Replayed mutations come back after the sync frame as ordinary events.
	replayed := make(chan struct{})
	go func() {
		defer close(replayed)
		if n, err := c.Replay(ctx); err != nil {
			c.logger.Error("failed to replay outbox", "err", err, "replayed", n)
		} else if n > 0 {
			c.logger.Info("replayed outbox", "replayed", n)
		}
	}()
	defer func() { <-replayed }()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		ev, err := event.Decode(raw)
		if err != nil {
			c.logger.Error("failed to decode event", "err", err)
			continue
		}
		c.logger.Debug("received event", "event", ev.Name)
		c.view.Apply(ev)
		if c.cache != nil {
			if err := c.cache.SaveSnapshot(ctx, c.view.Dataset()); err != nil {
				c.logger.Error("failed to cache data", "err", err)
			}
		}
	}
}
