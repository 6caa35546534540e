package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/observability"
	"emoji-chat/internal/realtime"
)

// RoomSubscription keeps a consumer informed of a user's ordered room list.
//
// The subscription listens to the user's room index and to the record of every
// room listed in it, so a new message re-sorts the list. Every notification
// bumps a generation counter and wakes a single worker goroutine.
// Notifications that arrive while a pass is running coalesce into one
// follow-up pass, and a pass whose generation was superseded before it finished
// is dropped, so the last list delivered always reflects the newest state.
type RoomSubscription struct {
	svc     *ChatService
	userID  string
	onRooms func([]*domain.Room)
	onError func(error)

	emptyOnError bool

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	latest       realtime.Snapshot
	listenErr    error
	stopListener func()
	// Room record listeners and the room state the last pass saw, by index id
	watches map[string]func()
	seen    map[string]roomVersion

	generation atomic.Uint64
	active     atomic.Bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// SubscriptionOption configures a RoomSubscription
type SubscriptionOption func(*RoomSubscription)

// WithErrorHandler receives backend failures. It is called in addition to the
// empty delivery configured by SubscriptionEmptyOnError.
func WithErrorHandler(fn func(error)) SubscriptionOption {
	return func(s *RoomSubscription) {
		s.onError = fn
	}
}

// WithEmptyOnError overrides SubscriptionEmptyOnError for one subscription
func WithEmptyOnError(enabled bool) SubscriptionOption {
	return func(s *RoomSubscription) {
		s.emptyOnError = enabled
	}
}

// SubscribeToUserRooms starts delivering userID's rooms, most recently active
// first, to onRooms: once right away and again whenever the index or one of
// the listed rooms changes, so a new message moves its room to the front.
// onRooms is never called concurrently with itself.
//
// An empty userID returns an inert subscription that never touches the backend
// and never calls onRooms.
func (s *ChatService) SubscribeToUserRooms(ctx context.Context, userID string, onRooms func([]*domain.Room), opts ...SubscriptionOption) *RoomSubscription {
	sub := &RoomSubscription{
		svc:          s,
		userID:       userID,
		onRooms:      onRooms,
		emptyOnError: s.cfg.SubscriptionEmptyOnError,
		watches:      make(map[string]func()),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}
	sub.ctx, sub.cancel = context.WithCancel(ctx)

	if userID == "" {
		sub.stopOnce.Do(func() {
			sub.cancel()
			close(sub.done)
		})
		return sub
	}

	sub.active.Store(true)
	observability.RoomSubscriptionsActive.Inc()
	go sub.run()

	if !validKey(userID) {
		sub.listenFailed(domain.ErrInvalidInput)
		return sub
	}

	stop, err := s.backend.Subscribe(sub.ctx, userRoomsPath(userID), sub.handleSnapshot, sub.listenFailed)
	if err != nil {
		sub.listenFailed(fmt.Errorf("failed to listen to room index: %w", err))
		return sub
	}

	sub.mu.Lock()
	if sub.active.Load() {
		sub.stopListener = stop
		stop = nil
	}
	sub.mu.Unlock()
	if stop != nil {
		stop()
	}

	return sub
}

// Unsubscribe stops the subscription and its listeners. It is safe to call more
// than once and from inside onRooms. A pass still materializing is discarded,
// but a delivery already under way may finish after it returns; wait on Done
// when no onRooms call may be running.
func (s *RoomSubscription) Unsubscribe() {
	s.stop()
}

// Done is closed once the subscription has ended, either through Unsubscribe,
// through cancellation of its context or because the backend listener failed,
// and its worker has returned. onRooms is never called after Done is closed.
func (s *RoomSubscription) Done() <-chan struct{} {
	return s.done
}

// Active reports whether results can still be delivered
func (s *RoomSubscription) Active() bool {
	return s.active.Load()
}

func (s *RoomSubscription) stop() {
	s.stopOnce.Do(func() {
		s.active.Store(false)
		s.cancel()

		s.mu.Lock()
		stopListener := s.stopListener
		s.stopListener = nil
		watches := s.watches
		s.watches = nil
		s.seen = nil
		s.mu.Unlock()
		if stopListener != nil {
			stopListener()
		}
		for _, cancel := range watches {
			cancel()
		}

		observability.RoomSubscriptionsActive.Dec()
	})
}

func (s *RoomSubscription) handleSnapshot(snap realtime.Snapshot) {
	s.mu.Lock()
	s.latest = snap
	s.generation.Add(1)
	s.mu.Unlock()
	s.signal()
}

func (s *RoomSubscription) listenFailed(err error) {
	s.mu.Lock()
	s.listenErr = err
	s.generation.Add(1)
	s.mu.Unlock()
	s.signal()
}

func (s *RoomSubscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *RoomSubscription) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.stop()
			return
		case <-s.wake:
		}

		s.mu.Lock()
		snap := s.latest
		listenErr := s.listenErr
		gen := s.generation.Load()
		s.mu.Unlock()

		if listenErr != nil {
			// The backend listener is gone; nothing more will arrive
			s.fail(listenErr)
			s.stop()
			return
		}

		ids, rooms, err := s.materialize(snap)
		if !s.current(gen) {
			observability.MaterializationPasses.WithLabelValues("discarded").Inc()
			continue
		}
		if err != nil {
			observability.MaterializationPasses.WithLabelValues("failed").Inc()
			s.fail(err)
			continue
		}

		s.watchRooms(ids, rooms)
		if !s.current(gen) {
			observability.MaterializationPasses.WithLabelValues("discarded").Inc()
			continue
		}
		observability.MaterializationPasses.WithLabelValues("delivered").Inc()
		s.onRooms(rooms)
	}
}

func (s *RoomSubscription) materialize(snap realtime.Snapshot) ([]string, []*domain.Room, error) {
	ids, err := snap.Keys()
	if err != nil {
		return nil, nil, err
	}
	rooms, err := s.svc.MaterializeRooms(s.ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	return ids, SortRooms(rooms), nil
}

// roomVersion is the part of a room record that affects the delivered list
type roomVersion struct {
	exists    bool
	name      string
	updatedAt int64
	last      domain.LastMessage
}

func versionOf(room *domain.Room) roomVersion {
	v := roomVersion{exists: true, name: room.Name, updatedAt: room.UpdatedAt}
	if room.LastMessage != nil {
		v.last = *room.LastMessage
	}
	return v
}

// watchRooms records what the pass saw and keeps exactly one record listener
// per indexed room
func (s *RoomSubscription) watchRooms(ids []string, rooms []*domain.Room) {
	seen := make(map[string]roomVersion, len(ids))
	for _, id := range ids {
		if validKey(id) {
			seen[id] = roomVersion{}
		}
	}
	for _, room := range rooms {
		if _, ok := seen[room.ID]; ok {
			seen[room.ID] = versionOf(room)
		}
	}

	s.mu.Lock()
	if !s.active.Load() {
		s.mu.Unlock()
		return
	}
	s.seen = seen
	var added []string
	for id := range seen {
		if _, ok := s.watches[id]; !ok {
			added = append(added, id)
		}
	}
	var dropped []func()
	for id, cancel := range s.watches {
		if _, ok := seen[id]; !ok {
			dropped = append(dropped, cancel)
			delete(s.watches, id)
		}
	}
	s.mu.Unlock()

	for _, cancel := range dropped {
		cancel()
	}
	for _, id := range added {
		id := id // per-iteration copy (go 1.21 loop semantics)
		cancel, err := s.svc.backend.Subscribe(s.ctx, roomPath(id),
			func(snap realtime.Snapshot) { s.roomChanged(id, snap) },
			func(err error) { s.roomWatchFailed(id, err) })
		if err != nil {
			observability.FromContext(s.ctx).Warn("failed to watch room",
				slog.String("user_id", s.userID),
				slog.String("room_id", id),
				slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		_, wanted := s.seen[id]
		if s.active.Load() && wanted && s.watches[id] == nil {
			s.watches[id] = cancel
			cancel = nil
		}
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
}

// roomChanged starts a new pass when a watched room differs from what the last
// pass delivered. The first notification of a new listener usually matches and
// is ignored.
func (s *RoomSubscription) roomChanged(roomID string, snap realtime.Snapshot) {
	// Records that do not decode are skipped by materialization, like absent ones
	var v roomVersion
	var room domain.Room
	if err := snap.Decode(&room); err == nil {
		v = versionOf(&room)
	}

	s.mu.Lock()
	prev, watched := s.seen[roomID]
	if !watched || prev == v {
		s.mu.Unlock()
		return
	}
	s.generation.Add(1)
	s.mu.Unlock()
	s.signal()
}

// roomWatchFailed forgets a dead room listener; the next pass opens a new one
func (s *RoomSubscription) roomWatchFailed(roomID string, err error) {
	observability.FromContext(s.ctx).Warn("room watch failed",
		slog.String("user_id", s.userID),
		slog.String("room_id", roomID),
		slog.String("error", err.Error()))

	s.mu.Lock()
	cancel := s.watches[roomID]
	delete(s.watches, roomID)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// current reports whether a pass started at generation gen may deliver
func (s *RoomSubscription) current(gen uint64) bool {
	return s.active.Load() && s.ctx.Err() == nil && s.generation.Load() == gen
}

func (s *RoomSubscription) fail(err error) {
	observability.FromContext(s.ctx).Warn("room subscription error",
		slog.String("user_id", s.userID),
		slog.String("error", err.Error()))

	if !s.active.Load() {
		return
	}
	if s.emptyOnError {
		s.onRooms([]*domain.Room{})
	}
	if s.onError != nil {
		s.onError(err)
	}
}
