// Package store holds the single authoritative dataset. Every mutation runs mutate, persist,
// journal and broadcast as one critical section, so every subscriber observes events in the
// order they were applied.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bilbo-22/familist/pkg/event"
	"github.com/bilbo-22/familist/pkg/metrics"
	"github.com/bilbo-22/familist/pkg/model"
)

var ErrInvalidReorder = errors.New("invalid reorder")

// Subscriber receives events in emission order. Deliver is called with the store lock held
// and must not block.
type Subscriber interface {
	Deliver(ev event.Event)
}

// Recorder keeps a history of applied events.
type Recorder interface {
	Record(ev event.Event) error
}

type Options struct {
	// Path of the JSON dataset file. Empty keeps the dataset in memory only.
	Path string
	// ValidateReorder rejects reorders whose ids differ from the list's current ids.
	ValidateReorder bool
	// IdempotencyWindow is how many recent idempotency keys are remembered.
	IdempotencyWindow int

	Journal Recorder
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Store struct {
	opts   Options
	logger *slog.Logger
	file   *fileBackend

	mu    sync.Mutex
	data  model.Dataset
	subs  map[Subscriber]struct{}
	sinks []Subscriber
	keys  *keyWindow
}

// Open loads the dataset from opts.Path (if any) and returns a ready store.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	s := &Store{
		opts:   opts,
		logger: opts.Logger,
		subs:   make(map[Subscriber]struct{}),
		keys:   newKeyWindow(opts.IdempotencyWindow),
		data:   model.Dataset{}.Clone(),
	}
	if opts.Path != "" {
		s.file = newFileBackend(opts.Path)
		data, err := s.file.Load()
		if err != nil {
			var corrupt *CorruptError
			if !errors.As(err, &corrupt) {
				return nil, err
			}
			s.logger.Error("failed to load database, starting empty", "path", opts.Path, "err", err)
		} else {
			s.data = data.Clone()
		}
		keys, err := s.file.LoadKeys()
		if err != nil {
			s.logger.Error("failed to load idempotency keys, starting without them", "path", s.file.keysPath, "err", err)
		}
		for _, k := range keys {
			s.keys.Add(k)
		}
	}
	s.logger.Info("opened store", "path", opts.Path, "lists", len(s.data.Lists), "items", len(s.data.Items))
	return s, nil
}

// Snapshot returns a copy of the current dataset.
func (s *Store) Snapshot() model.Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Clone()
}

// Attach registers sub and sends it the full dataset as a sync event before any later event.
func (s *Store) Attach(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.Deliver(event.NewSync(s.data.Clone()))
	s.subs[sub] = struct{}{}
}

func (s *Store) Detach(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

// AddSink registers a subscriber that receives every granular event but no sync bootstrap.
func (s *Store) AddSink(sink Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
}

func (s *Store) CreateList(ctx context.Context, list model.List) error {
	return s.mutate(ctx, "create_list", func(d *model.Dataset) (event.Event, bool, error) {
		d.Lists = append(d.Lists, list)
		return event.NewListCreated(list), true, nil
	})
}

// DeleteList removes the list and its items. Unknown ids still emit list:deleted.
func (s *Store) DeleteList(ctx context.Context, id string) error {
	return s.mutate(ctx, "delete_list", func(d *model.Dataset) (event.Event, bool, error) {
		d.RemoveList(id)
		return event.NewListDeleted(id), true, nil
	})
}

// AddItem inserts the item at the head of the sequence.
func (s *Store) AddItem(ctx context.Context, item model.Item) error {
	return s.mutate(ctx, "add_item", func(d *model.Dataset) (event.Event, bool, error) {
		d.PrependItem(item)
		return event.NewItemAdded(item), true, nil
	})
}

// ToggleItem sets completed on the item. A missing item is a silent success: nothing is
// persisted and no event is emitted.
func (s *Store) ToggleItem(ctx context.Context, id string, completed bool) error {
	return s.mutate(ctx, "toggle_item", func(d *model.Dataset) (event.Event, bool, error) {
		updated, ok := d.SetCompleted(id, completed)
		if !ok {
			return event.Event{}, false, nil
		}
		return event.NewItemUpdated(updated), true, nil
	})
}

func (s *Store) DeleteItem(ctx context.Context, id string) error {
	return s.mutate(ctx, "delete_item", func(d *model.Dataset) (event.Event, bool, error) {
		d.RemoveItem(id)
		return event.NewItemDeleted(id), true, nil
	})
}

// ReorderListItems replaces the order of one list. With validation on, sorted must hold
// exactly the list's current ids and the stored items are reordered; otherwise sorted is
// stored verbatim.
func (s *Store) ReorderListItems(ctx context.Context, listID string, sorted []model.Item) error {
	return s.mutate(ctx, "reorder", func(d *model.Dataset) (event.Event, bool, error) {
		ordered := append([]model.Item{}, sorted...)
		if s.opts.ValidateReorder {
			var err error
			if ordered, err = authoritativeOrder(d.Items, listID, sorted); err != nil {
				return event.Event{}, false, err
			}
		}
		d.Items = model.Splice(d.Items, listID, ordered)
		return event.NewOrderUpdated(listID, append([]model.Item{}, ordered...)), true, nil
	})
}

func (s *Store) mutate(ctx context.Context, op string, fn func(d *model.Dataset) (event.Event, bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := IdempotencyKey(ctx)
	if key != "" && s.keys.Seen(key) {
		s.opts.Metrics.Mutations.WithLabelValues(op, "duplicate").Inc()
		s.logger.Debug("skipped replayed mutation", "op", op, "key", key)
		return nil
	}

	ev, emit, err := fn(&s.data)
	if err != nil {
		s.opts.Metrics.Mutations.WithLabelValues(op, "rejected").Inc()
		return err
	}
	s.keys.Add(key)
	if !emit {
		s.opts.Metrics.Mutations.WithLabelValues(op, "noop").Inc()
		s.persistKeysLocked(key)
		return nil
	}
	s.opts.Metrics.Mutations.WithLabelValues(op, "applied").Inc()

	s.persistLocked()
	s.persistKeysLocked(key)
	if s.opts.Journal != nil {
		if err := s.opts.Journal.Record(ev); err != nil {
			s.logger.Error("failed to journal event", "event", ev.Name, "err", err)
		}
	}
	for sub := range s.subs {
		sub.Deliver(ev)
	}
	for _, sink := range s.sinks {
		sink.Deliver(ev)
	}
	s.opts.Metrics.Events.WithLabelValues(string(ev.Name)).Inc()
	return nil
}

// persistLocked writes the dataset. A failure is logged and counted but never blocks the
// broadcast that follows.
func (s *Store) persistLocked() {
	if s.file == nil {
		return
	}
	if err := s.file.Save(s.data); err != nil {
		s.opts.Metrics.PersistFailures.Inc()
		s.logger.Error("failed to persist dataset", "path", s.file.path, "err", err)
	}
}

// persistKeysLocked writes the idempotency window after a keyed mutation.
func (s *Store) persistKeysLocked(key string) {
	if s.file == nil || key == "" || s.opts.IdempotencyWindow <= 0 {
		return
	}
	if err := s.file.SaveKeys(s.keys.Keys()); err != nil {
		s.opts.Metrics.PersistFailures.Inc()
		s.logger.Error("failed to persist idempotency keys", "path", s.file.keysPath, "err", err)
	}
}

func authoritativeOrder(current []model.Item, listID string, sorted []model.Item) ([]model.Item, error) {
	existing := make(map[string]model.Item)
	for _, it := range current {
		if it.ListID == listID {
			existing[it.ID] = it
		}
	}
	if len(sorted) != len(existing) {
		return nil, fmt.Errorf("%w: list %s has %d items, got %d", ErrInvalidReorder, listID, len(existing), len(sorted))
	}
	out := make([]model.Item, 0, len(sorted))
	seen := make(map[string]bool, len(sorted))
	for _, it := range sorted {
		stored, ok := existing[it.ID]
		if !ok {
			return nil, fmt.Errorf("%w: item %s is not in list %s", ErrInvalidReorder, it.ID, listID)
		}
		if seen[it.ID] {
			return nil, fmt.Errorf("%w: item %s appears twice", ErrInvalidReorder, it.ID)
		}
		seen[it.ID] = true
		out = append(out, stored)
	}
	return out, nil
}
