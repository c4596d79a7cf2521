// Package journal keeps an append-only revision history of store events in an automerge
// document. The dataset file stays the source of truth; the journal only answers "what
// changed, in which order" for debugging and rendering.
package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/bilbo-22/familist/pkg/event"
)

type Journal struct {
	path  string
	mu    sync.Mutex
	doc   *automerge.Doc
	dirty int
}

// Entry is one recorded event.
type Entry struct {
	Hash    string
	Actor   string
	Seq     uint64
	Deps    []string
	Event   string
	Payload string
}

// Open loads the journal at path, or starts an empty one if the file does not exist. An
// empty path gives an in-memory journal that never flushes.
func Open(path string) (*Journal, error) {
	j := &Journal{path: path}
	if path == "" {
		j.doc = automerge.New()
		return j, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		j.doc = automerge.New()
		return j, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load journal: %w", err)
	}
	j.doc = doc
	return j, nil
}

// Record commits one event. The commit message is the event name and the encoded
// envelope is kept under "payload".
func (j *Journal) Record(ev event.Event) error {
	raw, err := ev.Encode()
	if err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.doc.Path("event").Set(string(ev.Name)); err != nil {
		return fmt.Errorf("failed to set event: %w", err)
	}
	if err := j.doc.Path("payload").Set(string(raw)); err != nil {
		return fmt.Errorf("failed to set payload: %w", err)
	}
	if _, err := j.doc.Commit(string(ev.Name)); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	j.dirty++
	return nil
}

// Flush writes the document if anything was recorded since the last flush.
func (j *Journal) Flush() error {
	if j.path == "" {
		return nil
	}
	j.mu.Lock()
	if j.dirty == 0 {
		j.mu.Unlock()
		return nil
	}
	raw := j.doc.Save()
	pending := j.dirty
	j.mu.Unlock()

	if dir := filepath.Dir(j.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create journal dir: %w", err)
		}
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("failed to replace journal: %w", err)
	}

	j.mu.Lock()
	j.dirty -= pending
	j.mu.Unlock()
	slog.Debug("flushed journal", "path", j.path, "bytes", len(raw))
	return nil
}

// Entries lists every recorded event in causal order.
func (j *Journal) Entries() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	changes, err := j.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Entry, 0, len(changes))
	for _, change := range changes {
		docAt, err := j.doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		e := Entry{
			Hash:  change.Hash().String(),
			Actor: change.ActorID(),
			Seq:   change.ActorSeq(),
			Event: change.Message(),
		}
		for _, dep := range change.Dependencies() {
			e.Deps = append(e.Deps, dep.String())
		}
		if value, err := docAt.Path("payload").Get(); err == nil {
			e.Payload, _ = value.Interface().(string)
		}
		out = append(out, e)
	}
	return out, nil
}

// Len is the number of recorded events.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	changes, err := j.doc.Changes()
	if err != nil {
		return 0
	}
	return len(changes)
}
