package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tx/internal/txerr"
)

// MessageStatus is an outbox message's ack state (spec §3).
type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageAcked   MessageStatus = "acked"
)

// OutboxMessage is the row shape for outbox_messages.
type OutboxMessage struct {
	ID            int64
	Channel       string
	Sender        string
	Content       string
	Status        MessageStatus
	CorrelationID *string
	TaskID        *string
	Metadata      map[string]string
	CreatedAt     time.Time
	AckedAt       *time.Time
	ExpiresAt     *time.Time
}

// OutboxRepo provides row-level CRUD for the at-most-once outbox.
// Grounded on the teacher's journal/analytics append-only log pattern
// (internal/infra/analytics/journal), generalized from file-backed JSONL
// to a SQL table with an AUTOINCREMENT id for the monotone ordering
// guarantee (spec §5 ordering guarantee i).
type OutboxRepo struct{ s *Store }

func (s *Store) Outbox() *OutboxRepo { return &OutboxRepo{s} }

func (r *OutboxRepo) q(q Queryer) Queryer {
	if q == nil {
		return r.s.db
	}
	return q
}

// Insert appends a new message, returning its assigned monotone id.
func (r *OutboxRepo) Insert(ctx context.Context, q Queryer, m *OutboxMessage) (int64, error) {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return 0, txerr.Wrap(txerr.CodeValidationError, "marshal outbox metadata", err)
	}
	res, err := r.q(q).ExecContext(ctx, `
		INSERT INTO outbox_messages (channel, sender, content, status, correlation_id, task_id, metadata, created_at, expires_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?)`,
		m.Channel, m.Sender, m.Content, m.CorrelationID, m.TaskID, string(meta), rfc3339(m.CreatedAt), nullableTime(m.ExpiresAt))
	if err != nil {
		return 0, txerr.Database("insert outbox message", err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// Inbox returns channel messages with id > afterId, ascending, optionally
// filtered by sender/correlationId, excluding acked (unless includeAcked)
// and always excluding expired.
func (r *OutboxRepo) Inbox(ctx context.Context, q Queryer, channel string, afterID int64, limit int, sender, correlationID *string, includeAcked bool) ([]*OutboxMessage, error) {
	query := `SELECT id, channel, sender, content, status, correlation_id, task_id, metadata, created_at, acked_at, expires_at
		FROM outbox_messages WHERE channel = ? AND id > ?`
	args := []any{channel, afterID}

	if !includeAcked {
		query += ` AND status != 'acked'`
	}
	query += ` AND (expires_at IS NULL OR expires_at > ?)`
	args = append(args, rfc3339(now()))

	if sender != nil {
		query += ` AND sender = ?`
		args = append(args, *sender)
	}
	if correlationID != nil {
		query += ` AND correlation_id = ?`
		args = append(args, *correlationID)
	}
	query += ` ORDER BY id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.q(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, txerr.Database("list inbox", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// FindReplies returns all messages sharing correlationID, ascending by id.
func (r *OutboxRepo) FindReplies(ctx context.Context, q Queryer, correlationID string) ([]*OutboxMessage, error) {
	rows, err := r.q(q).QueryContext(ctx, `
		SELECT id, channel, sender, content, status, correlation_id, task_id, metadata, created_at, acked_at, expires_at
		FROM outbox_messages WHERE correlation_id = ? ORDER BY id ASC`, correlationID)
	if err != nil {
		return nil, txerr.Database("find replies", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Ack transitions a pending message to acked; fails if already acked.
func (r *OutboxRepo) Ack(ctx context.Context, q Queryer, id int64) error {
	res, err := r.q(q).ExecContext(ctx, `
		UPDATE outbox_messages SET status = 'acked', acked_at = ? WHERE id = ? AND status = 'pending'`,
		rfc3339(now()), id)
	if err != nil {
		return txerr.Database("ack message", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists int
		if err := r.q(q).QueryRowContext(ctx, `SELECT 1 FROM outbox_messages WHERE id = ?`, id).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return txerr.Newf(txerr.CodeMessageAlreadyAcked, "message %d not found", id)
		}
		return txerr.Newf(txerr.CodeMessageAlreadyAcked, "message %d already acked", id)
	}
	return nil
}

// AckAll bulk-acks every pending message on a channel, returning the count.
func (r *OutboxRepo) AckAll(ctx context.Context, q Queryer, channel string) (int, error) {
	res, err := r.q(q).ExecContext(ctx, `
		UPDATE outbox_messages SET status = 'acked', acked_at = ? WHERE channel = ? AND status = 'pending'`,
		rfc3339(now()), channel)
	if err != nil {
		return 0, txerr.Database("ack all messages", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Pending counts non-expired, non-acked messages on a channel.
func (r *OutboxRepo) Pending(ctx context.Context, q Queryer, channel string) (int, error) {
	var count int
	err := r.q(q).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM outbox_messages
		WHERE channel = ? AND status = 'pending' AND (expires_at IS NULL OR expires_at > ?)`,
		channel, rfc3339(now())).Scan(&count)
	if err != nil {
		return 0, txerr.Database("count pending messages", err)
	}
	return count, nil
}

// GC deletes expired rows and acked rows older than ackedOlderThan (zero
// duration deletes all acked rows), returning counts of each.
func (r *OutboxRepo) GC(ctx context.Context, q Queryer, ackedOlderThan time.Duration) (expired, acked int, err error) {
	res, err := r.q(q).ExecContext(ctx, `
		DELETE FROM outbox_messages WHERE expires_at IS NOT NULL AND expires_at <= ?`, rfc3339(now()))
	if err != nil {
		return 0, 0, txerr.Database("gc expired messages", err)
	}
	n, _ := res.RowsAffected()
	expired = int(n)

	cutoff := now().Add(-ackedOlderThan)
	res, err = r.q(q).ExecContext(ctx, `
		DELETE FROM outbox_messages WHERE status = 'acked' AND acked_at <= ?`, rfc3339(cutoff))
	if err != nil {
		return expired, 0, txerr.Database("gc acked messages", err)
	}
	n, _ = res.RowsAffected()
	acked = int(n)
	return expired, acked, nil
}

func scanMessages(rows *sql.Rows) ([]*OutboxMessage, error) {
	var out []*OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var status, metadata, createdAt string
		var correlationID, taskID, ackedAt, expiresAt sql.NullString
		if err := rows.Scan(&m.ID, &m.Channel, &m.Sender, &m.Content, &status, &correlationID, &taskID, &metadata, &createdAt, &ackedAt, &expiresAt); err != nil {
			return nil, txerr.Database("scan outbox message", err)
		}
		m.Status = MessageStatus(status)
		if correlationID.Valid {
			v := correlationID.String
			m.CorrelationID = &v
		}
		if taskID.Valid {
			v := taskID.String
			m.TaskID = &v
		}
		if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
			return nil, txerr.Database("unmarshal outbox metadata", err)
		}
		var err error
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, txerr.Database("parse outbox created_at", err)
		}
		if m.AckedAt, err = parseTimePtr(ackedAt); err != nil {
			return nil, txerr.Database("parse outbox acked_at", err)
		}
		if m.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
			return nil, txerr.Database("parse outbox expires_at", err)
		}
		out = append(out, &m)
	}
	return out, nil
}
