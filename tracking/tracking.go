package tracking

import (
	"sync"
	"weak"

	"github.com/tailhook/ciruela/chash"
	"github.com/tailhook/ciruela/id"
	"github.com/tailhook/ciruela/vpath"
)

// Entry is one virtual path's live convergence state: which hash it is
// converging to, its current State, and (once known) the candidate peer
// address driving the current attempt.
type Entry struct {
	Path      vpath.VPath
	Target    chash.Hash
	State     State
	Candidate string // peer address currently being fetched from, if any
}

// CachedIndex is the decoded directory index kept alive only as long as
// something else (an in-flight Assembling entry) holds a strong reference;
// the Tracking.images map itself never prevents it from being collected.
type CachedIndex struct {
	ID   id.ImageId
	Data []byte
}

// Tracking is the daemon-wide registry of per-path state machines plus the
// weak index cache shared across concurrent conversions of the same image.
type Tracking struct {
	mu      sync.Mutex
	entries map[string]*Entry // keyed by vpath.String()
	images  map[id.ImageId]weak.Pointer[CachedIndex]
}

// New returns an empty Tracking registry.
func New() *Tracking {
	return &Tracking{
		entries: make(map[string]*Entry),
		images:  make(map[id.ImageId]weak.Pointer[CachedIndex]),
	}
}

// Announce registers (or updates) the target hash for path, moving an Idle
// or terminal (Done/Failed) entry to Pending. An entry already converging
// toward a different hash is moved to Aborting so its in-flight work is
// torn down before the new target is pursued; an entry already converging
// to the same hash is left alone (duplicate announcement).
func (t *Tracking) Announce(path vpath.VPath, target chash.Hash) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := path.String()
	e, ok := t.entries[key]
	if !ok {
		e = &Entry{Path: path, Target: target, State: Idle}
		t.entries[key] = e
	}
	if e.Target.Equal(target) {
		switch e.State {
		case Idle, Done, Failed:
			_ = e.Transition(Pending)
			return e, true
		default:
			return e, false
		}
	}
	e.Target = target
	switch e.State {
	case Idle, Done, Failed:
		_ = e.Transition(Pending)
	default:
		_ = e.Transition(Aborting)
	}
	return e, true
}

// Get returns the current entry for path, if any.
func (t *Tracking) Get(path vpath.VPath) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[path.String()]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Move applies a state transition to path's entry under the registry lock.
func (t *Tracking) Move(path vpath.VPath, next State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[path.String()]
	if !ok {
		return &ErrInvalidTransition{From: Idle, To: next}
	}
	return e.Transition(next)
}

// SetCandidate records which peer address the current attempt is fetching
// from, for observability and for the reconciliation engine to avoid
// re-trying the same dead candidate immediately.
func (t *Tracking) SetCandidate(path vpath.VPath, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[path.String()]; ok {
		e.Candidate = addr
	}
}

// CachedImage returns the still-alive cached index for imageID, if any
// other in-flight conversion still holds a strong reference to it.
func (t *Tracking) CachedImage(imageID id.ImageId) (*CachedIndex, bool) {
	t.mu.Lock()
	w, ok := t.images[imageID]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	return w.Value(), w.Value() != nil
}

// StoreWeak records a weak reference to idx so a concurrent conversion of
// the same image can reuse it without re-fetching, without itself keeping
// idx alive past its last strong referent.
func (t *Tracking) StoreWeak(imageID id.ImageId, idx *CachedIndex) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.images[imageID] = weak.Make(idx)
}

// Forget drops path's entry entirely, used once a path is unconfigured or
// permanently removed by cleanup.
func (t *Tracking) Forget(path vpath.VPath) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, path.String())
}
