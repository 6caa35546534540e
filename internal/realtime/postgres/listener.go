package postgres

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"emoji-chat/internal/realtime"

	"github.com/lib/pq"
)

// NotificationSource is the LISTEN side of the store. *pq.Listener satisfies it.
type NotificationSource interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

type storeConfig struct {
	listen       func() (NotificationSource, error)
	pingInterval time.Duration
}

func defaultStoreConfig(connStr string) storeConfig {
	return storeConfig{
		listen: func() (NotificationSource, error) {
			return pq.NewListener(connStr, 10*time.Second, time.Minute, logListenerEvent), nil
		},
		pingInterval: 90 * time.Second,
	}
}

// Option configures a Store
type Option func(*storeConfig)

// WithNotificationSource replaces the pq.Listener opened from the connection string
func WithNotificationSource(src NotificationSource) Option {
	return func(c *storeConfig) {
		c.listen = func() (NotificationSource, error) { return src, nil }
	}
}

// WithPingInterval sets how often the idle LISTEN connection is checked
func WithPingInterval(d time.Duration) Option {
	return func(c *storeConfig) {
		c.pingInterval = d
	}
}

func logListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		slog.Info("realtime listener connected")
	case pq.ListenerEventDisconnected:
		slog.Warn("realtime listener disconnected", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		slog.Info("realtime listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		slog.Warn("realtime listener connection attempt failed", slog.Any("error", err))
	}
}

// dispatcher fans change notifications out to the listeners whose path
// overlaps the changed path. A nil notification means the connection was
// re-established and changes may have been missed, so everyone refreshes.
type dispatcher struct {
	store *Store
	src   NotificationSource

	mu     sync.Mutex
	subs   map[uint64]*listener
	nextID uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newDispatcher(store *Store, src NotificationSource, pingInterval time.Duration) *dispatcher {
	d := &dispatcher{
		store: store,
		src:   src,
		subs:  make(map[uint64]*listener),
		done:  make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run(pingInterval)
	return d
}

func (d *dispatcher) run(pingInterval time.Duration) {
	defer d.wg.Done()

	var tick <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-d.done:
			return
		case n, ok := <-d.src.NotificationChannel():
			if !ok {
				return
			}
			if n == nil {
				d.refresh(func(string) bool { return true })
				continue
			}
			changed := realtime.Clean(n.Extra)
			d.refresh(func(path string) bool { return realtime.Overlaps(changed, path) })
		case <-tick:
			go func() {
				if err := d.src.Ping(); err != nil {
					slog.Warn("realtime listener ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

func (d *dispatcher) refresh(match func(path string) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, l := range d.subs {
		if match(l.path) {
			l.signal()
		}
	}
}

func (d *dispatcher) subscribe(ctx context.Context, path string, onValue func(realtime.Snapshot), onError func(error)) func() {
	l := &listener{
		path:    path,
		onValue: onValue,
		onError: onError,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = l
	d.mu.Unlock()

	// Registered before the first read so no change between the two is lost
	l.signal()

	cancel := func() { d.remove(id) }

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		l.run(ctx, d.store, cancel)
	}()

	return cancel
}

func (d *dispatcher) remove(id uint64) {
	d.mu.Lock()
	l, ok := d.subs[id]
	delete(d.subs, id)
	d.mu.Unlock()
	if ok {
		l.stop()
	}
}

func (d *dispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

func (d *dispatcher) close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)

		d.mu.Lock()
		subs := d.subs
		d.subs = make(map[uint64]*listener)
		d.mu.Unlock()
		for _, l := range subs {
			l.stop()
		}

		err = d.src.Close()
		d.wg.Wait()
	})
	return err
}

// listener re-reads its path whenever it is woken and delivers the value when
// it differs from the last one delivered
type listener struct {
	path    string
	onValue func(realtime.Snapshot)
	onError func(error)

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (l *listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *listener) stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
}

func (l *listener) run(ctx context.Context, store *Store, cancel func()) {
	var (
		last      realtime.Snapshot
		delivered bool
	)
	for {
		select {
		case <-l.done:
			return
		case <-ctx.Done():
			cancel()
			return
		case <-l.wake:
			snap, err := store.Get(ctx, l.path)
			select {
			case <-l.done:
				return
			default:
			}
			if err != nil {
				if ctx.Err() != nil {
					cancel()
					return
				}
				cancel()
				l.onError(err)
				return
			}
			if delivered && snap.Equal(last) {
				continue
			}
			last, delivered = snap, true
			l.onValue(snap)
		}
	}
}
