package dispatch

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handler processes one event. A returned error (or a panic) is logged by the
// dispatcher and does not stop the remaining handlers.
type Handler func(Event) error

// Token identifies a single registration and is used to unsubscribe.
type Token struct {
	id   uuid.UUID
	kind Kind
}

// Kind returns the kind the token was registered for.
func (t Token) Kind() Kind { return t.kind }

// IsZero reports whether the token is the zero value.
func (t Token) IsZero() bool { return t.id == uuid.Nil }

// FailureHook is notified of every handler failure.
type FailureHook func(kind Kind, err error)

// Stats contains dispatcher counters.
type Stats struct {
	Published       int64
	Delivered       int64
	HandlerFailures int64
	Subscriptions   int
}

type registration struct {
	id uuid.UUID
	fn Handler
}

// Dispatcher is a typed publish/subscribe hub.
type Dispatcher struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[Kind][]registration

	hookMu sync.RWMutex
	hooks  []FailureHook

	published atomic.Int64
	delivered atomic.Int64
	failures  atomic.Int64
}

// New creates an empty Dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger: logger.With("component", "dispatcher"),
		subs:   make(map[Kind][]registration),
	}
}

// Subscribe registers fn for kind. Handlers for the same kind run in
// registration order.
func (d *Dispatcher) Subscribe(kind Kind, fn Handler) (Token, error) {
	if !kind.Valid() {
		return Token{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if fn == nil {
		return Token{}, ErrNilHandler
	}

	reg := registration{id: uuid.New(), fn: fn}

	d.mu.Lock()
	d.subs[kind] = append(d.subs[kind], reg)
	d.mu.Unlock()

	return Token{id: reg.id, kind: kind}, nil
}

// On registers a handler that receives the concrete event type E.
// Events of a different type under the same kind are ignored.
func On[E Event](d *Dispatcher, kind Kind, fn func(E) error) (Token, error) {
	if fn == nil {
		return Token{}, ErrNilHandler
	}
	return d.Subscribe(kind, func(ev Event) error {
		typed, ok := ev.(E)
		if !ok {
			return nil
		}
		return fn(typed)
	})
}

// Unsubscribe removes a registration. It returns false if the token was
// unknown or already removed.
func (d *Dispatcher) Unsubscribe(tok Token) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.subs[tok.kind]
	for i, reg := range regs {
		if reg.id != tok.id {
			continue
		}
		// Copy so in-flight Publish calls keep their snapshot intact.
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(d.subs, tok.kind)
		} else {
			d.subs[tok.kind] = next
		}
		return true
	}
	return false
}

// OnFailure adds a hook called for every handler failure.
func (d *Dispatcher) OnFailure(hook FailureHook) {
	if hook == nil {
		return
	}
	d.hookMu.Lock()
	d.hooks = append(d.hooks, hook)
	d.hookMu.Unlock()
}

// Publish delivers ev to every handler registered for its kind and returns
// the number of handlers that completed without error. Kinds without
// subscribers are a no-op.
func (d *Dispatcher) Publish(ev Event) int {
	if ev == nil {
		return 0
	}
	d.published.Add(1)
	kind := ev.Kind()

	d.mu.RLock()
	regs := d.subs[kind]
	d.mu.RUnlock()

	ok := 0
	for _, reg := range regs {
		if err := d.invoke(reg.fn, ev); err != nil {
			d.failures.Add(1)
			d.logger.Warn("event handler failed",
				"kind", kind,
				"error", err,
			)
			d.notifyFailure(kind, err)
			continue
		}
		ok++
	}
	d.delivered.Add(int64(ok))
	return ok
}

// Len returns the number of handlers registered for kind.
func (d *Dispatcher) Len(kind Kind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs[kind])
}

// Stats returns dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	subs := 0
	for _, regs := range d.subs {
		subs += len(regs)
	}
	d.mu.RUnlock()

	return Stats{
		Published:       d.published.Load(),
		Delivered:       d.delivered.Load(),
		HandlerFailures: d.failures.Load(),
		Subscriptions:   subs,
	}
}

// invoke runs one handler, converting a panic into an error.
func (d *Dispatcher) invoke(fn Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ev)
}

func (d *Dispatcher) notifyFailure(kind Kind, err error) {
	d.hookMu.RLock()
	hooks := d.hooks
	d.hookMu.RUnlock()

	for _, hook := range hooks {
		hook(kind, err)
	}
}
