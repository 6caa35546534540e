package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"emoji-chat/internal/domain"
	"emoji-chat/internal/observability"

	"golang.org/x/time/rate"
)

// ErrEndpointGone means the push service no longer accepts the endpoint and
// the subscription should be dropped
var ErrEndpointGone = errors.New("push endpoint gone")

const (
	maxAttempts    = 3
	maxPreviewRune = 120
)

// Payload is the JSON body posted to a push endpoint
type Payload struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Preview   string `json:"preview"`
	CreatedAt int64  `json:"createdAt"`
}

// NewPayload builds the notification for msg. Long content is cut.
func NewPayload(msg *domain.Message) *Payload {
	preview := []rune(msg.Content)
	if len(preview) > maxPreviewRune {
		preview = append(preview[:maxPreviewRune], '…')
	}
	return &Payload{
		Type:      "message",
		RoomID:    msg.RoomID,
		MessageID: msg.ID,
		SenderID:  msg.SenderID,
		Preview:   string(preview),
		CreatedAt: msg.CreatedAt,
	}
}

// Sender delivers one payload to one subscription
type Sender interface {
	Send(ctx context.Context, sub *domain.PushSubscription, payload *Payload) error
}

// WebhookSender posts payloads as JSON. Deliveries share one rate limit and
// transient failures are retried with linear backoff. Connections to loopback,
// private and link-local addresses are refused.
type WebhookSender struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	backoff    time.Duration
}

// NewWebhookSender creates a sender allowing perSecond deliveries per second
func NewWebhookSender(perSecond float64) *WebhookSender {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &WebhookSender{
		httpClient: newPushClient(10 * time.Second),
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		backoff: time.Second,
	}
}

func (s *WebhookSender) Send(ctx context.Context, sub *domain.PushSubscription, payload *Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			observability.PushDeliveries.WithLabelValues("failed").Inc()
			return fmt.Errorf("rate limiter: %w", err)
		}

		retry, err := s.post(ctx, sub.Endpoint, body)
		if err == nil {
			observability.PushDeliveries.WithLabelValues("delivered").Inc()
			return nil
		}
		if errors.Is(err, ErrEndpointGone) {
			observability.PushDeliveries.WithLabelValues("gone").Inc()
			return err
		}
		lastErr = err
		if !retry {
			break
		}

		if attempt < maxAttempts {
			select {
			case <-time.After(time.Duration(attempt) * s.backoff):
			case <-ctx.Done():
				observability.PushDeliveries.WithLabelValues("failed").Inc()
				return ctx.Err()
			}
		}
	}

	observability.PushDeliveries.WithLabelValues("failed").Inc()
	return fmt.Errorf("failed to deliver push notification: %w", lastErr)
}

// post makes one delivery attempt and reports whether a failure is worth retrying
func (s *WebhookSender) post(ctx context.Context, endpoint string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("TTL", "86400")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, ErrForbiddenAddress) {
			return false, err
		}
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, ErrEndpointGone
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}
