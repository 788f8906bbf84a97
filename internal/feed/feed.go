package feed

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/rickgao/signalfeed/internal/dispatch"
	"github.com/rickgao/signalfeed/internal/model"
)

// DefaultCapacity is the number of signals kept when no capacity is configured.
const DefaultCapacity = 100

// Errors
var (
	ErrMissingSymbol   = errors.New("signal has no symbol")
	ErrDuplicateSignal = errors.New("signal already in feed")
)

// Observer is called once for every accepted signal.
type Observer func(model.Signal)

// Stats contains feed statistics.
type Stats struct {
	Len        int
	Capacity   int
	Accepted   int64
	Evicted    int64
	Rejected   int64
	Duplicates int64
	Observers  int
}

type observerEntry struct {
	id uint64
	fn Observer
}

// Feed is a bounded, newest-first sequence of signals.
type Feed struct {
	logger *slog.Logger

	mu         sync.RWMutex
	ring       *Ring[model.Signal]
	ids        map[string]struct{} // explicit ids currently held
	seq        uint64
	rejected   int64
	duplicates int64

	obsMu     sync.Mutex
	observers []observerEntry
	nextObs   uint64
}

// New creates a feed holding at most capacity signals.
// A capacity below 1 uses DefaultCapacity.
func New(capacity int, logger *slog.Logger) *Feed {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		logger: logger.With("component", "feed"),
		ring:   NewRing[model.Signal](capacity),
		ids:    make(map[string]struct{}),
	}
}

// Append inserts sig at the head. The oldest signal is evicted when the feed
// is full. Signals without a symbol, or whose explicit id is already held,
// are rejected and leave the feed unchanged.
func (f *Feed) Append(sig model.Signal) error {
	accepted, err := f.insert(sig)
	if err != nil {
		return err
	}
	f.notify(accepted)
	return nil
}

// insert adds one signal under the lock and returns the stored copy.
func (f *Feed) insert(sig model.Signal) (model.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insertLocked(sig)
}

func (f *Feed) insertLocked(sig model.Signal) (model.Signal, error) {
	if strings.TrimSpace(sig.Symbol) == "" {
		f.rejected++
		return model.Signal{}, ErrMissingSymbol
	}
	if sig.ID != "" {
		if _, dup := f.ids[sig.ID]; dup {
			f.duplicates++
			return model.Signal{}, fmt.Errorf("%w: %s", ErrDuplicateSignal, sig.ID)
		}
		f.ids[sig.ID] = struct{}{}
	}

	f.seq++
	stored := sig.Clone()
	stored.Seq = f.seq

	if old, evicted := f.ring.Push(stored); evicted && old.ID != "" {
		delete(f.ids, old.ID)
	}
	return stored.Clone(), nil
}

// Clear removes every signal.
func (f *Feed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearLocked()
}

func (f *Feed) clearLocked() {
	f.ring.Reset()
	f.ids = make(map[string]struct{})
}

// Snapshot returns a copy of the feed, newest first.
func (f *Feed) Snapshot() []model.Signal {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]model.Signal, 0, f.ring.Len())
	f.ring.Each(func(s model.Signal) bool {
		out = append(out, s.Clone())
		return true
	})
	return out
}

// Latest returns the newest signal.
func (f *Feed) Latest() (model.Signal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s, ok := f.ring.Newest()
	if !ok {
		return model.Signal{}, false
	}
	return s.Clone(), true
}

// ReplaceAll clears the feed and appends signals in the given order, so the
// last element ends up at the head. Invalid entries are skipped and reported
// in the returned error. Observers are not notified for a bulk load.
func (f *Feed) ReplaceAll(signals []model.Signal) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.clearLocked()

	var errs []error
	n := 0
	for i, sig := range signals {
		if _, err := f.insertLocked(sig); err != nil {
			errs = append(errs, fmt.Errorf("signal %d: %w", i, err))
			continue
		}
		n++
	}

	if len(errs) > 0 {
		f.logger.Warn("bulk load skipped signals",
			"loaded", n,
			"skipped", len(errs),
		)
	}
	return n, errors.Join(errs...)
}

// Observe registers fn for accepted signals and returns a function that
// removes it.
func (f *Feed) Observe(fn Observer) (cancel func()) {
	if fn == nil {
		return func() {}
	}

	f.obsMu.Lock()
	f.nextObs++
	id := f.nextObs
	f.observers = append(f.observers, observerEntry{id: id, fn: fn})
	f.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.obsMu.Lock()
			defer f.obsMu.Unlock()
			for i, o := range f.observers {
				if o.id == id {
					f.observers = append(f.observers[:i:i], f.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Attach subscribes the feed to signal events from d.
func (f *Feed) Attach(d *dispatch.Dispatcher) (dispatch.Token, error) {
	return dispatch.On(d, dispatch.KindSignal, func(ev dispatch.SignalReceived) error {
		err := f.Append(ev.Signal)
		if errors.Is(err, ErrDuplicateSignal) {
			f.logger.Debug("duplicate signal dropped", "id", ev.Signal.ID)
			return nil
		}
		return err
	})
}

// Len returns the number of signals held.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ring.Len()
}

// Cap returns the feed capacity.
func (f *Feed) Cap() int {
	return f.ring.Cap()
}

// Stats returns feed statistics.
func (f *Feed) Stats() Stats {
	f.mu.RLock()
	rs := f.ring.Stats()
	rejected, duplicates := f.rejected, f.duplicates
	f.mu.RUnlock()

	f.obsMu.Lock()
	observers := len(f.observers)
	f.obsMu.Unlock()

	return Stats{
		Len:        rs.Count,
		Capacity:   rs.Capacity,
		Accepted:   rs.TotalPushed,
		Evicted:    rs.TotalEvicted,
		Rejected:   rejected,
		Duplicates: duplicates,
		Observers:  observers,
	}
}

func (f *Feed) notify(sig model.Signal) {
	f.obsMu.Lock()
	observers := make([]observerEntry, len(f.observers))
	copy(observers, f.observers)
	f.obsMu.Unlock()

	for _, o := range observers {
		f.call(o.fn, sig.Clone())
	}
}

func (f *Feed) call(fn Observer, sig model.Signal) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("feed observer panicked",
				"symbol", sig.Symbol,
				"panic", r,
			)
		}
	}()
	fn(sig)
}
