package realtime

import (
	"context"
	"time"

	"emoji-chat/internal/observability"
)

// Instrumented wraps a Backend with a per-call timeout and latency/error metrics
type Instrumented struct {
	next    Backend
	name    string
	timeout time.Duration
}

// Instrument decorates b. A zero timeout leaves caller deadlines untouched.
// Subscribe is only timed for its setup; the listener itself is unbounded.
func Instrument(b Backend, name string, timeout time.Duration) *Instrumented {
	return &Instrumented{next: b, name: name, timeout: timeout}
}

func (i *Instrumented) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if i.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, i.timeout)
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	observability.BackendOpDuration.WithLabelValues(i.name, op).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.BackendOpErrors.WithLabelValues(i.name, op).Inc()
	}
}

func (i *Instrumented) Get(ctx context.Context, path string) (Snapshot, error) {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	snap, err := i.next.Get(ctx, path)
	i.observe("get", start, err)
	return snap, err
}

func (i *Instrumented) Set(ctx context.Context, path string, value any) error {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	err := i.next.Set(ctx, path, value)
	i.observe("set", start, err)
	return err
}

func (i *Instrumented) Update(ctx context.Context, path string, fields map[string]any) error {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	err := i.next.Update(ctx, path, fields)
	i.observe("update", start, err)
	return err
}

func (i *Instrumented) NewKey(ctx context.Context, path string) (string, error) {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	key, err := i.next.NewKey(ctx, path)
	i.observe("new_key", start, err)
	return key, err
}

func (i *Instrumented) Subscribe(ctx context.Context, path string, onValue func(Snapshot), onError func(error)) (func(), error) {
	start := time.Now()
	cancel, err := i.next.Subscribe(ctx, path, onValue, func(err error) {
		observability.BackendOpErrors.WithLabelValues(i.name, "listen").Inc()
		onError(err)
	})
	i.observe("subscribe", start, err)
	return cancel, err
}

func (i *Instrumented) Ping(ctx context.Context) error {
	ctx, cancel := i.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	err := i.next.Ping(ctx)
	i.observe("ping", start, err)
	return err
}

func (i *Instrumented) Close() error {
	return i.next.Close()
}

// Name returns the backend label used in metrics
func (i *Instrumented) Name() string {
	return i.name
}
