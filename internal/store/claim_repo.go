package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tx/internal/txerr"
)

// ClaimStatus is a lease's lifecycle state (spec §3).
type ClaimStatus string

const (
	ClaimActive   ClaimStatus = "active"
	ClaimReleased ClaimStatus = "released"
	ClaimExpired  ClaimStatus = "expired"
)

// Claim is the row shape for the claims table.
type Claim struct {
	ID             int64
	TaskID         string
	WorkerID       string
	Status         ClaimStatus
	ClaimedAt      time.Time
	LeaseExpiresAt time.Time
	RenewedCount   int
}

// ClaimRepo provides row-level CRUD for claims. The unique partial index
// idx_claims_active_task (migrations.go) is what makes TryInsertActive a
// serializable single-winner operation (spec §5 ordering guarantee iii),
// grounded on the teacher's TryClaimTask (internal/domain/task/store.go)
// generalized from a boolean "claimed" column to a first-class Claim row.
type ClaimRepo struct{ s *Store }

func (s *Store) Claims() *ClaimRepo { return &ClaimRepo{s} }

func (r *ClaimRepo) q(q Queryer) Queryer {
	if q == nil {
		return r.s.db
	}
	return q
}

// TryInsertActive attempts to insert a new active claim for taskID. If an
// active claim already exists for the task, the unique index rejects the
// insert and the caller's existing active claim is returned alongside
// ok=false so it can surface AlreadyClaimed{claimedByWorkerId}.
func (r *ClaimRepo) TryInsertActive(ctx context.Context, q Queryer, taskID, workerID string, leaseMinutes int) (claim *Claim, ok bool, err error) {
	n := now()
	leaseUntil := n.Add(time.Duration(leaseMinutes) * time.Minute)
	res, err := r.q(q).ExecContext(ctx, `
		INSERT OR IGNORE INTO claims (task_id, worker_id, status, claimed_at, lease_expires_at, renewed_count)
		VALUES (?, ?, 'active', ?, ?, 0)`,
		taskID, workerID, rfc3339(n), rfc3339(leaseUntil))
	if err != nil {
		return nil, false, txerr.Database("insert claim", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		existing, getErr := r.GetActiveByTask(ctx, q, taskID)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	id, _ := res.LastInsertId()
	return &Claim{
		ID: id, TaskID: taskID, WorkerID: workerID, Status: ClaimActive,
		ClaimedAt: n, LeaseExpiresAt: leaseUntil, RenewedCount: 0,
	}, true, nil
}

// GetActiveByTask returns the active claim for a task, if any.
func (r *ClaimRepo) GetActiveByTask(ctx context.Context, q Queryer, taskID string) (*Claim, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT id, task_id, worker_id, status, claimed_at, lease_expires_at, renewed_count
		FROM claims WHERE task_id = ? AND status = 'active'`, taskID)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, txerr.Newf(txerr.CodeClaimNotFound, "no active claim for task %s", taskID)
	}
	if err != nil {
		return nil, txerr.Database("get active claim", err)
	}
	return c, nil
}

// Renew extends the lease for an active claim owned by workerID, enforcing
// the bounded-renewal invariant.
func (r *ClaimRepo) Renew(ctx context.Context, q Queryer, taskID, workerID string, leaseMinutes, maxRenewals int) (*Claim, error) {
	c, err := r.GetActiveByTask(ctx, q, taskID)
	if err != nil {
		return nil, err
	}
	if c.WorkerID != workerID {
		return nil, txerr.Newf(txerr.CodeClaimNotFound, "claim for task %s is not owned by worker %s", taskID, workerID)
	}
	n := now()
	if n.After(c.LeaseExpiresAt) {
		return nil, txerr.Newf(txerr.CodeLeaseExpired, "lease for task %s expired at %s", taskID, c.LeaseExpiresAt)
	}
	if c.RenewedCount >= maxRenewals {
		return nil, txerr.Newf(txerr.CodeMaxRenewalsExceeded, "claim %d already renewed %d times", c.ID, c.RenewedCount)
	}
	leaseUntil := n.Add(time.Duration(leaseMinutes) * time.Minute)
	_, err = r.q(q).ExecContext(ctx, `
		UPDATE claims SET lease_expires_at = ?, renewed_count = renewed_count + 1 WHERE id = ?`,
		rfc3339(leaseUntil), c.ID)
	if err != nil {
		return nil, txerr.Database("renew claim", err)
	}
	c.LeaseExpiresAt = leaseUntil
	c.RenewedCount++
	return c, nil
}

// Release marks the active claim for a task/worker pair as released.
func (r *ClaimRepo) Release(ctx context.Context, q Queryer, taskID, workerID string) error {
	res, err := r.q(q).ExecContext(ctx, `
		UPDATE claims SET status = 'released' WHERE task_id = ? AND worker_id = ? AND status = 'active'`,
		taskID, workerID)
	if err != nil {
		return txerr.Database("release claim", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return txerr.Newf(txerr.CodeClaimNotFound, "no active claim for task %s owned by %s", taskID, workerID)
	}
	return nil
}

// Expire marks a claim (by numeric id) as expired. Idempotent: calling it
// on an already-expired claim is a no-op success.
func (r *ClaimRepo) Expire(ctx context.Context, q Queryer, claimID int64) error {
	res, err := r.q(q).ExecContext(ctx, `
		UPDATE claims SET status = 'expired' WHERE id = ? AND status != 'expired'`, claimID)
	if err != nil {
		return txerr.Database("expire claim", err)
	}
	_, _ = res.RowsAffected()

	var exists int
	if err := r.q(q).QueryRowContext(ctx, `SELECT 1 FROM claims WHERE id = ?`, claimID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return txerr.Newf(txerr.CodeClaimIDNotFound, "claim %d not found", claimID)
		}
		return txerr.Database("check claim exists", err)
	}
	return nil
}

// GetExpired returns active claims whose lease has passed.
func (r *ClaimRepo) GetExpired(ctx context.Context, q Queryer) ([]*Claim, error) {
	rows, err := r.q(q).QueryContext(ctx, `
		SELECT id, task_id, worker_id, status, claimed_at, lease_expires_at, renewed_count
		FROM claims WHERE status = 'active' AND lease_expires_at < ?`, rfc3339(now()))
	if err != nil {
		return nil, txerr.Database("list expired claims", err)
	}
	defer rows.Close()
	var out []*Claim
	for rows.Next() {
		c, err := scanClaimRows(rows)
		if err != nil {
			return nil, txerr.Database("scan claim", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// ActiveByWorker returns every active claim currently held by a worker.
func (r *ClaimRepo) ActiveByWorker(ctx context.Context, q Queryer, workerID string) ([]*Claim, error) {
	rows, err := r.q(q).QueryContext(ctx, `
		SELECT id, task_id, worker_id, status, claimed_at, lease_expires_at, renewed_count
		FROM claims WHERE status = 'active' AND worker_id = ?`, workerID)
	if err != nil {
		return nil, txerr.Database("list claims by worker", err)
	}
	defer rows.Close()
	var out []*Claim
	for rows.Next() {
		c, err := scanClaimRows(rows)
		if err != nil {
			return nil, txerr.Database("scan claim", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// ReleaseByWorker bulk-releases every active claim held by workerID,
// returning the count released.
func (r *ClaimRepo) ReleaseByWorker(ctx context.Context, q Queryer, workerID string) (int, error) {
	res, err := r.q(q).ExecContext(ctx, `
		UPDATE claims SET status = 'released' WHERE worker_id = ? AND status = 'active'`, workerID)
	if err != nil {
		return 0, txerr.Database("release claims by worker", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ActiveForTask reports whether a task currently has an active claim.
func (r *ClaimRepo) ActiveForTask(ctx context.Context, q Queryer, taskID string) (bool, error) {
	var x int
	err := r.q(q).QueryRowContext(ctx, `SELECT 1 FROM claims WHERE task_id = ? AND status = 'active'`, taskID).Scan(&x)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, txerr.Database("check active claim", err)
	}
	return true, nil
}

func scanClaim(row *sql.Row) (*Claim, error) {
	var c Claim
	var status, claimedAt, leaseExpiresAt string
	if err := row.Scan(&c.ID, &c.TaskID, &c.WorkerID, &status, &claimedAt, &leaseExpiresAt, &c.RenewedCount); err != nil {
		return nil, err
	}
	return hydrateClaim(&c, status, claimedAt, leaseExpiresAt)
}

func scanClaimRows(rows *sql.Rows) (*Claim, error) {
	var c Claim
	var status, claimedAt, leaseExpiresAt string
	if err := rows.Scan(&c.ID, &c.TaskID, &c.WorkerID, &status, &claimedAt, &leaseExpiresAt, &c.RenewedCount); err != nil {
		return nil, err
	}
	return hydrateClaim(&c, status, claimedAt, leaseExpiresAt)
}

func hydrateClaim(c *Claim, status, claimedAt, leaseExpiresAt string) (*Claim, error) {
	c.Status = ClaimStatus(status)
	var err error
	if c.ClaimedAt, err = parseTime(claimedAt); err != nil {
		return nil, err
	}
	if c.LeaseExpiresAt, err = parseTime(leaseExpiresAt); err != nil {
		return nil, err
	}
	return c, nil
}
