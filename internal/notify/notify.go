// Package notify emits best-effort events after successful account
// mutations. Delivery never blocks or fails the request that triggered it.
package notify

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"signals.org/internal/obs"
)

// EventData carries the account fields subscribers care about.
type EventData struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Event is the message published to the sink.
type Event struct {
	Resource string    `json:"resource"`
	Method   string    `json:"method"`
	Data     EventData `json:"data"`
}

// Sink delivers a single event.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

// Rule selects which responses produce events.
type Rule struct {
	Path   string
	Method string
	Status int
}

// DefaultRules publish on successful self-registration and admin creation.
var DefaultRules = []Rule{
	{Path: "/api/registration", Method: http.MethodPost, Status: http.StatusCreated},
	{Path: "/api/users", Method: http.MethodPost, Status: http.StatusCreated},
}

// Emitter filters responses against its rules and hands matching events to
// the sink on a background goroutine.
type Emitter struct {
	sink    Sink
	name    string
	rules   []Rule
	timeout time.Duration
	logger  *slog.Logger

	wg sync.WaitGroup
}

// EmitterOption customises an Emitter.
type EmitterOption func(*Emitter)

// WithRules replaces DefaultRules.
func WithRules(rules ...Rule) EmitterOption {
	return func(e *Emitter) { e.rules = rules }
}

// WithTimeout bounds each delivery, including retries.
func WithTimeout(d time.Duration) EmitterOption {
	return func(e *Emitter) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEmitter wraps sink. name labels metrics and logs.
func NewEmitter(name string, sink Sink, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		sink:    sink,
		name:    name,
		rules:   DefaultRules,
		timeout: 10 * time.Second,
		logger:  obs.Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Match reports whether a response qualifies for an event.
func (e *Emitter) Match(path, method string, status int) bool {
	for _, r := range e.rules {
		if r.Path == path && r.Method == method && r.Status == status {
			return true
		}
	}
	return false
}

// Emit publishes an event for the response if a rule matches. It returns
// immediately; the request context's values are kept but its cancellation
// is not.
func (e *Emitter) Emit(ctx context.Context, path, method string, status int, data EventData) {
	if e == nil || e.sink == nil || !e.Match(path, method, status) {
		return
	}
	ev := Event{Resource: path, Method: method, Data: data}
	base := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(base, e.timeout)
		defer cancel()
		if err := e.sink.Notify(ctx, ev); err != nil {
			obs.RecordNotification(e.name, "error")
			e.logger.ErrorContext(ctx, "notification failed",
				"sink", e.name, "resource", ev.Resource, "user_id", ev.Data.UserID, "err", err)
			return
		}
		obs.RecordNotification(e.name, "ok")
	}()
}

// Close waits for in-flight deliveries or for ctx to end.
func (e *Emitter) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes events to the log. It is used when no topic is configured.
type LogSink struct {
	Logger *slog.Logger
}

// Notify implements Sink.
func (s LogSink) Notify(ctx context.Context, ev Event) error {
	l := s.Logger
	if l == nil {
		l = obs.Logger()
	}
	l.InfoContext(ctx, "notification", "resource", ev.Resource, "method", ev.Method,
		"user_id", ev.Data.UserID, "username", ev.Data.Username)
	return nil
}
