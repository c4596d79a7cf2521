package store

import "context"

type idempotencyKey struct{}

// WithIdempotencyKey tags the mutation carried by ctx. A key already seen by the store makes
// the mutation a no-op success.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, idempotencyKey{}, key)
}

func IdempotencyKey(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}

// keyWindow remembers the most recent keys, evicting the oldest first.
type keyWindow struct {
	size  int
	keys  map[string]struct{}
	order []string
}

func newKeyWindow(size int) *keyWindow {
	return &keyWindow{size: size, keys: make(map[string]struct{})}
}

func (w *keyWindow) Seen(key string) bool {
	_, ok := w.keys[key]
	return ok
}

func (w *keyWindow) Add(key string) {
	if key == "" || w.size <= 0 || w.Seen(key) {
		return
	}
	if len(w.order) >= w.size {
		delete(w.keys, w.order[0])
		w.order = w.order[1:]
	}
	w.keys[key] = struct{}{}
	w.order = append(w.order, key)
}

// Keys lists the remembered keys, oldest first.
func (w *keyWindow) Keys() []string {
	return append([]string{}, w.order...)
}
