// Package outbox implements the at-most-once messaging bus (spec §4.7):
// strictly monotone message ids, reader-driven cursors, TTL-based
// expiration, and idempotent acking. Grounded on the teacher's append-only
// journal writer/reader (internal/infra/analytics/journal), generalized
// from a file-backed JSONL log to the store's AUTOINCREMENT-backed table.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"tx/internal/store"
	"tx/internal/txerr"
	"tx/internal/txlog"
)

// Service sends and reads outbox messages.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

func New(s *store.Store, logger *slog.Logger) *Service {
	return &Service{store: s, logger: txlog.Component(logger, "outbox")}
}

// SendParams are the inputs to Send.
type SendParams struct {
	Channel       string
	Sender        string
	Content       string
	CorrelationID *string
	TaskID        *string
	Metadata      map[string]string
	TTLSeconds    *int
}

// Send appends a message, rejecting a negative TTL (spec §4.7).
func (s *Service) Send(ctx context.Context, p SendParams) (*store.OutboxMessage, error) {
	if p.TTLSeconds != nil && *p.TTLSeconds < 0 {
		return nil, txerr.New(txerr.CodeValidationError, "ttlSeconds must not be negative")
	}
	meta := p.Metadata
	if meta == nil {
		meta = map[string]string{}
	}

	m := &store.OutboxMessage{
		Channel:       p.Channel,
		Sender:        p.Sender,
		Content:       p.Content,
		Status:        store.MessagePending,
		CorrelationID: p.CorrelationID,
		TaskID:        p.TaskID,
		Metadata:      meta,
		CreatedAt:     time.Now().UTC(),
	}
	if p.TTLSeconds != nil {
		expires := m.CreatedAt.Add(time.Duration(*p.TTLSeconds) * time.Second)
		m.ExpiresAt = &expires
	}

	id, err := s.store.Outbox().Insert(ctx, nil, m)
	if err != nil {
		return nil, err
	}
	m.ID = id
	return m, nil
}

// InboxParams filters Inbox.
type InboxParams struct {
	Channel       string
	AfterID       int64
	Limit         int
	Sender        *string
	CorrelationID *string
	IncludeAcked  bool
}

// Inbox returns a reader's view of a channel (spec §4.7): each reader
// advances its own afterId cursor independently.
func (s *Service) Inbox(ctx context.Context, p InboxParams) ([]*store.OutboxMessage, error) {
	return s.store.Outbox().Inbox(ctx, nil, p.Channel, p.AfterID, p.Limit, p.Sender, p.CorrelationID, p.IncludeAcked)
}

// FindReplies returns every message sharing a correlation id.
func (s *Service) FindReplies(ctx context.Context, correlationID string) ([]*store.OutboxMessage, error) {
	return s.store.Outbox().FindReplies(ctx, nil, correlationID)
}

// Ack transitions a pending message to acked.
func (s *Service) Ack(ctx context.Context, id int64) error {
	return s.store.Outbox().Ack(ctx, nil, id)
}

// AckAll bulk-acks every pending message in a channel.
func (s *Service) AckAll(ctx context.Context, channel string) (int, error) {
	return s.store.Outbox().AckAll(ctx, nil, channel)
}

// Pending counts non-expired, non-acked messages in a channel.
func (s *Service) Pending(ctx context.Context, channel string) (int, error) {
	return s.store.Outbox().Pending(ctx, nil, channel)
}

// GCResult tallies a garbage-collection sweep.
type GCResult struct {
	Expired int
	Acked   int
}

// GC deletes expired rows and acked rows older than ackedOlderThanHours
// (0 deletes all acked rows).
func (s *Service) GC(ctx context.Context, ackedOlderThanHours int) (GCResult, error) {
	expired, acked, err := s.store.Outbox().GC(ctx, nil, time.Duration(ackedOlderThanHours)*time.Hour)
	if err != nil {
		return GCResult{}, err
	}
	return GCResult{Expired: expired, Acked: acked}, nil
}
