package memory

import (
	"context"
	"sync"

	"emoji-chat/internal/realtime"
)

// subscriber delivers snapshots on its own goroutine. Only the newest pending
// snapshot is kept, so a slow callback sees the latest state, never a backlog.
type subscriber struct {
	path    string
	onValue func(realtime.Snapshot)

	last realtime.Snapshot // guarded by Store.mu

	mu      sync.Mutex
	pending *realtime.Snapshot
	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (sub *subscriber) queue(snap realtime.Snapshot) {
	sub.mu.Lock()
	sub.pending = &snap
	sub.mu.Unlock()

	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *subscriber) take() *realtime.Snapshot {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	snap := sub.pending
	sub.pending = nil
	return snap
}

func (sub *subscriber) stop() {
	sub.once.Do(func() {
		close(sub.done)
	})
}

func (sub *subscriber) run(ctx context.Context) {
	for {
		select {
		case <-sub.done:
			return
		case <-ctx.Done():
			return
		case <-sub.signal:
			snap := sub.take()
			if snap == nil {
				continue
			}
			select {
			case <-sub.done:
				return
			default:
			}
			sub.onValue(*snap)
		}
	}
}

// Subscribe registers a listener at path. The current value is queued before
// Subscribe returns, so it is always the first delivery.
func (s *Store) Subscribe(ctx context.Context, path string, onValue func(realtime.Snapshot), onError func(error)) (func(), error) {
	path = realtime.Clean(path)
	if err := realtime.Validate(path); err != nil {
		return nil, err
	}

	sub := &subscriber{
		path:    path,
		onValue: onValue,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, realtime.ErrBackendClose
	}
	current, err := s.snapshotLocked(path)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	sub.last = current
	sub.queue(current)
	s.mu.Unlock()

	go sub.run(ctx)

	// A cancelled context ends the listener the same way an explicit cancel does
	go func() {
		select {
		case <-ctx.Done():
			s.unsubscribe(id)
		case <-sub.done:
		}
	}()

	return func() { s.unsubscribe(id) }, nil
}

func (s *Store) unsubscribe(id uint64) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		sub.stop()
	}
}

// notifyLocked queues a fresh snapshot for every listener whose value may have
// changed. Callers hold s.mu for writing.
func (s *Store) notifyLocked(changed []string) {
	for _, sub := range s.subs {
		affected := false
		for _, p := range changed {
			if realtime.Overlaps(p, sub.path) {
				affected = true
				break
			}
		}
		if !affected {
			continue
		}

		snap, err := s.snapshotLocked(sub.path)
		if err != nil {
			continue
		}
		if snap.Equal(sub.last) {
			continue
		}
		sub.last = snap
		sub.queue(snap)
	}
}
