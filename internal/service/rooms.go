package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/observability"
	"emoji-chat/internal/realtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// RoomIDs returns the ids of the rooms userID belongs to. An empty userID
// yields an empty result without touching the backend.
func (s *ChatService) RoomIDs(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return []string{}, nil
	}
	if !validKey(userID) {
		return nil, domain.ErrInvalidInput
	}

	snap, err := s.backend.Get(ctx, userRoomsPath(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to read room index: %w", err)
	}
	return snap.Keys()
}

// MaterializeRooms reads the records for ids concurrently and returns the ones
// that exist, in no particular order. A failed read fails the whole call.
func (s *ChatService) MaterializeRooms(ctx context.Context, ids []string) ([]*domain.Room, error) {
	if len(ids) == 0 {
		return []*domain.Room{}, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaterializeConcurrency)

	found := make([]*domain.Room, len(ids))
	for i, id := range ids {
		i, id := i, id // per-iteration copies (go 1.21 loop semantics)
		g.Go(func() error {
			room, err := s.loadRoom(gctx, id)
			if err != nil {
				return err
			}
			found[i] = room
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rooms := make([]*domain.Room, 0, len(found))
	for _, room := range found {
		if room != nil {
			rooms = append(rooms, room)
		}
	}
	return rooms, nil
}

// loadRoom reads one room. Concurrent reads of the same room share a single
// backend call, which runs detached from any one caller's cancellation; each
// caller stops waiting when its own context ends and gets its own copy of the
// record. The backend applies its own per-call timeout.
func (s *ChatService) loadRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	shared := context.WithoutCancel(ctx)
	ch := s.flight.DoChan("room:"+roomID, func() (any, error) {
		return s.readRoom(shared, roomID)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	room, _ := res.Val.(*domain.Room)
	if room == nil {
		return nil, nil
	}
	dup := *room
	return &dup, nil
}

// readRoom returns nil for a missing room. A record that cannot be decoded is
// logged and treated as missing so one bad room does not hide the others.
func (s *ChatService) readRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	if !validKey(roomID) {
		return nil, nil
	}

	snap, err := s.backend.Get(ctx, roomPath(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to read room %s: %w", roomID, err)
	}

	var room domain.Room
	if err := snap.Decode(&room); err != nil {
		if !errors.Is(err, realtime.ErrNoValue) {
			observability.FromContext(ctx).Warn("skipping malformed room record",
				slog.String("room_id", roomID),
				slog.String("error", err.Error()))
		}
		return nil, nil
	}
	if room.ID == "" {
		room.ID = roomID
	}
	return &room, nil
}

// SortRooms orders rooms by updatedAt, newest first, in place. Rooms that never
// had activity have updatedAt 0 and sort last. Equal timestamps keep their
// input order.
func SortRooms(rooms []*domain.Room) []*domain.Room {
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].UpdatedAt > rooms[j].UpdatedAt
	})
	return rooms
}

// GetUserRooms returns the rooms userID belongs to, most recently active first
func (s *ChatService) GetUserRooms(ctx context.Context, userID string) ([]*domain.Room, error) {
	ids, err := s.RoomIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	rooms, err := s.MaterializeRooms(ctx, ids)
	if err != nil {
		return nil, err
	}
	return SortRooms(rooms), nil
}
