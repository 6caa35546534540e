package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"unicode/utf8"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/observability"
	"emoji-chat/internal/realtime"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 100
	maxRoomNameLength   = 100
)

// Config tunes the synchronization layer
type Config struct {
	// MaterializeConcurrency bounds parallel record reads per call
	MaterializeConcurrency int
	// SubscriptionEmptyOnError makes live subscriptions deliver an empty room
	// list when the backend fails
	SubscriptionEmptyOnError bool
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		MaterializeConcurrency:   16,
		SubscriptionEmptyOnError: true,
	}
}

type ChatService struct {
	backend   realtime.Backend
	publisher domain.MessagePublisher
	cfg       Config
	now       func() time.Time
	flight    singleflight.Group
}

// Option configures a ChatService
type Option func(*ChatService)

// WithPublisher announces every written message through p
func WithPublisher(p domain.MessagePublisher) Option {
	return func(s *ChatService) {
		s.publisher = p
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *ChatService) {
		s.now = now
	}
}

func NewChatService(backend realtime.Backend, cfg Config, opts ...Option) *ChatService {
	if cfg.MaterializeConcurrency <= 0 {
		cfg.MaterializeConcurrency = DefaultConfig().MaterializeConcurrency
	}
	s := &ChatService{
		backend: backend,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendMessage appends a message to roomID and returns its id. The message, the
// room summary and the room's message index entry are written in one atomic
// multi-path update. Content is not validated. A room without a record
// returns ErrRoomNotFound and nothing is written.
func (s *ChatService) SendMessage(ctx context.Context, roomID, senderID, content string) (string, error) {
	if !validKey(roomID) || !validKey(senderID) {
		return "", domain.ErrInvalidInput
	}

	room, err := s.readRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	if room == nil {
		return "", domain.ErrRoomNotFound
	}

	id, err := s.backend.NewKey(ctx, messagesRoot)
	if err != nil {
		return "", fmt.Errorf("failed to generate message id: %w", err)
	}

	msg := &domain.Message{
		ID:        id,
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: s.now().UnixMilli(),
		Sent:      true,
	}

	fields := make(map[string]any, 4)
	fields[messagePath(id)] = msg
	fields[realtime.Join(roomPath(roomID), "lastMessage")] = msg.Summary()
	fields[realtime.Join(roomPath(roomID), "updatedAt")] = msg.CreatedAt
	fields[realtime.Join(roomMessagesPath(roomID), id)] = true
	if err := s.backend.Update(ctx, "", fields); err != nil {
		return "", fmt.Errorf("failed to write message: %w", err)
	}
	observability.MessagesSent.Inc()

	if s.publisher != nil {
		if err := s.publisher.PublishMessageCreated(ctx, msg); err != nil {
			observability.FromContext(ctx).Error("failed to publish message event",
				slog.String("message_id", id),
				slog.String("room_id", roomID),
				slog.String("error", err.Error()))
		}
	}

	return id, nil
}

// CreateRoom writes a room and the index entry of every participant in one
// update. The creator always participates.
func (s *ChatService) CreateRoom(ctx context.Context, name, createdBy string, participants []string) (*domain.Room, error) {
	if n := utf8.RuneCountInString(name); n == 0 || n > maxRoomNameLength {
		return nil, domain.ErrInvalidInput
	}
	if !validKey(createdBy) {
		return nil, domain.ErrInvalidInput
	}

	members := map[string]bool{createdBy: true}
	for _, p := range participants {
		if !validKey(p) {
			return nil, domain.ErrInvalidInput
		}
		members[p] = true
	}

	room := &domain.Room{
		ID:           uuid.New().String(),
		Name:         name,
		CreatedBy:    createdBy,
		CreatedAt:    s.now().UnixMilli(),
		Participants: members,
	}

	fields := map[string]any{roomPath(room.ID): room}
	for userID := range members {
		fields[userRoomPath(userID, room.ID)] = true
	}
	if err := s.backend.Update(ctx, "", fields); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	return room, nil
}

// IsMember reports whether roomID is in userID's room index
func (s *ChatService) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	if !validKey(roomID) || !validKey(userID) {
		return false, nil
	}
	snap, err := s.backend.Get(ctx, userRoomPath(userID, roomID))
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return snap.Exists(), nil
}

func (s *ChatService) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	room, err := s.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, domain.ErrRoomNotFound
	}
	return room, nil
}

// GetMessages returns up to limit of the newest messages in roomID, oldest
// first. A non-positive limit means the default; larger ones are capped.
func (s *ChatService) GetMessages(ctx context.Context, roomID string, limit int) ([]*domain.Message, error) {
	switch {
	case limit <= 0:
		limit = defaultMessageLimit
	case limit > maxMessageLimit:
		limit = maxMessageLimit
	}
	if !validKey(roomID) {
		return nil, domain.ErrInvalidInput
	}

	ids, err := s.messageIDs(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaterializeConcurrency)

	found := make([]*domain.Message, len(ids))
	for i, id := range ids {
		i, id := i, id // per-iteration copies (go 1.21 loop semantics)
		g.Go(func() error {
			msg, err := s.readMessage(gctx, id)
			if err != nil {
				return err
			}
			found[i] = msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	messages := make([]*domain.Message, 0, len(found))
	for _, msg := range found {
		if msg != nil {
			messages = append(messages, msg)
		}
	}
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].CreatedAt != messages[j].CreatedAt {
			return messages[i].CreatedAt < messages[j].CreatedAt
		}
		return messages[i].ID < messages[j].ID
	})
	return messages, nil
}

// messageIDs lists the room's message ids. Keys are time ordered, so the
// sorted list is oldest first.
func (s *ChatService) messageIDs(ctx context.Context, roomID string) ([]string, error) {
	snap, err := s.backend.Get(ctx, roomMessagesPath(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to read message index: %w", err)
	}
	return snap.Keys()
}

func (s *ChatService) readMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	snap, err := s.backend.Get(ctx, messagePath(messageID))
	if err != nil {
		return nil, fmt.Errorf("failed to read message %s: %w", messageID, err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	var msg domain.Message
	if err := snap.Decode(&msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		msg.ID = messageID
	}
	return &msg, nil
}

// RepairRoomSummary rebuilds a room's lastMessage from the newest message in
// its message index. updatedAt never moves backwards.
func (s *ChatService) RepairRoomSummary(ctx context.Context, roomID string) (*domain.Room, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	ids, err := s.messageIDs(ctx, roomID)
	if err != nil {
		return nil, err
	}

	var newest *domain.Message
	for i := len(ids) - 1; i >= 0 && newest == nil; i-- {
		newest, err = s.readMessage(ctx, ids[i])
		if err != nil {
			return nil, err
		}
	}
	if newest == nil {
		return room, nil
	}

	summary := newest.Summary()
	if room.LastMessage != nil && *room.LastMessage == *summary && room.UpdatedAt >= newest.CreatedAt {
		return room, nil
	}

	updatedAt := room.UpdatedAt
	if newest.CreatedAt > updatedAt {
		updatedAt = newest.CreatedAt
	}
	fields := map[string]any{
		"lastMessage": summary,
		"updatedAt":   updatedAt,
	}
	if err := s.backend.Update(ctx, roomPath(roomID), fields); err != nil {
		return nil, fmt.Errorf("failed to repair room summary: %w", err)
	}

	observability.FromContext(ctx).Info("repaired room summary",
		slog.String("room_id", roomID),
		slog.String("message_id", newest.ID))

	room.LastMessage = summary
	room.UpdatedAt = updatedAt
	return room, nil
}
