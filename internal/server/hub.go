package server

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/MrWong99/segstream/pkg/manager"
)

// ErrSessionBusy is returned by [Hub.Subscribe] when another connection
// already listens to the session.
var ErrSessionBusy = errors.New("server: session already has a listener")

// subscriberBuffer is the per-connection output backlog. A listener whose
// backlog is full when an output arrives is evicted.
const subscriberBuffer = 64

// Subscription is one connection's claim on a session's outputs.
type Subscription struct {
	out     chan manager.Output
	evicted chan struct{}
	cancel  func()
}

// Outputs receives the session's outputs up to and including the terminal
// one.
func (s *Subscription) Outputs() <-chan manager.Output { return s.out }

// Evicted is closed when the hub dropped the subscription because its
// backlog was full. No further outputs are delivered afterwards.
func (s *Subscription) Evicted() <-chan struct{} { return s.evicted }

// Cancel releases the session id. Outputs for the session are dropped
// afterwards. Cancel is idempotent.
func (s *Subscription) Cancel() { s.cancel() }

// Hub routes manager outputs to the connection that owns their session.
// Install [Hub.Dispatch] with manager.WithOutputHandler or call it for every
// output read from the manager.
type Hub struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewHub returns an empty hub. A nil logger selects slog.Default().
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log, subs: make(map[string]*Subscription)}
}

// Subscribe registers the caller as the listener of session id.
func (h *Hub) Subscribe(id string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[id]; ok {
		return nil, ErrSessionBusy
	}
	sub := &Subscription{
		out:     make(chan manager.Output, subscriberBuffer),
		evicted: make(chan struct{}),
	}
	var once sync.Once
	sub.cancel = func() {
		once.Do(func() {
			h.mu.Lock()
			if h.subs[id] == sub {
				delete(h.subs, id)
			}
			h.mu.Unlock()
		})
	}
	h.subs[id] = sub
	return sub, nil
}

// Dispatch delivers out to its session's listener. It never blocks:
// outputs of sessions nobody listens to are dropped, and a listener whose
// backlog is full is evicted. A terminal output releases the session id for
// a new listener.
func (h *Hub) Dispatch(out manager.Output) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[out.SessionID]
	if !ok {
		h.log.Debug("dropping output without listener", "session_id", out.SessionID, "kind", out.Kind)
		return
	}
	select {
	case sub.out <- out:
		if out.Terminal() {
			delete(h.subs, out.SessionID)
		}
	default:
		delete(h.subs, out.SessionID)
		close(sub.evicted)
		h.log.Warn("evicting slow listener", "session_id", out.SessionID, "backlog", subscriberBuffer)
	}
}

// Listeners returns the number of subscribed sessions.
func (h *Hub) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
