package ontology

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Holder is the single swappable reference to the current ontology. Readers
// call Load and keep the returned snapshot for the duration of their work;
// they never observe a half-built ontology.
type Holder struct {
	cur atomic.Pointer[Snapshot]

	mu      sync.Mutex
	subs    []func(*Snapshot)
	prepare func(*Snapshot) (*Snapshot, error)
}

// NewHolder returns a holder serving s.
func NewHolder(s *Snapshot) *Holder {
	h := &Holder{}
	h.cur.Store(s)
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Snapshot {
	return h.cur.Load()
}

// OnSwap registers fn to be called after every swap with the new snapshot.
func (h *Holder) OnSwap(fn func(*Snapshot)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, fn)
}

// SetPrepare installs fn to run on every reloaded snapshot before it is
// swapped in. A prepare error rejects the reload.
func (h *Holder) SetPrepare(fn func(*Snapshot) (*Snapshot, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prepare = fn
}

// Swap installs s and returns the snapshot it replaced.
func (h *Holder) Swap(s *Snapshot) *Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	old := h.cur.Swap(s)
	for _, fn := range h.subs {
		fn(s)
	}
	return old
}

// Reload builds a snapshot from path (or the built-in ontology when path is
// empty) and swaps it in. On error the current snapshot stays in place.
func (h *Holder) Reload(path string) (*Snapshot, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	prepare := h.prepare
	h.mu.Unlock()
	if prepare != nil {
		if s, err = prepare(s); err != nil {
			return nil, err
		}
	}
	h.Swap(s)
	zap.L().Info("ontology: reloaded",
		zap.String("path", path),
		zap.String("version", s.Version()),
		zap.Int("metrics", len(s.ids)),
	)
	return s, nil
}
