package enrich

import (
	"context"
	"sync"

	"github.com/sells-group/lead-scorer/internal/model"
)

type lookupCall struct {
	done chan struct{}
	snap model.ReviewSnapshot
}

// inflight shares running review lookups between leads whose lookup keys
// overlap. A call is registered under every key of the lead that started
// it and forgotten once it completes.
type inflight struct {
	mu    sync.Mutex
	calls map[string]*lookupCall
}

func newInflight() *inflight {
	return &inflight{calls: make(map[string]*lookupCall)}
}

// do runs fn unless a lookup sharing any of keys is already running, in
// which case it waits for that lookup's snapshot. shared reports the
// latter.
func (f *inflight) do(ctx context.Context, keys []string, fn func() model.ReviewSnapshot) (snap model.ReviewSnapshot, shared bool, err error) {
	f.mu.Lock()
	for _, k := range keys {
		if c, ok := f.calls[k]; ok {
			f.mu.Unlock()
			select {
			case <-c.done:
				return c.snap, true, nil
			case <-ctx.Done():
				return model.ReviewSnapshot{}, true, ctx.Err()
			}
		}
	}
	c := &lookupCall{done: make(chan struct{})}
	for _, k := range keys {
		f.calls[k] = c
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		for _, k := range keys {
			if f.calls[k] == c {
				delete(f.calls, k)
			}
		}
		f.mu.Unlock()
		close(c.done)
	}()

	c.snap = fn()
	return c.snap, false, nil
}

func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
