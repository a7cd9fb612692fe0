// Package claim implements the lease manager (spec §4.4): claim issuance
// with the one-active-claim-per-task invariant, bounded renewal, release,
// expiry marking, and bulk release on worker shutdown. Grounded on the
// teacher's TryClaimTask/RenewTaskLease/ReleaseTaskLease trio
// (internal/domain/task/store.go), generalized from a boolean claimed flag
// on the task row to a first-class Claim row with a renewal counter.
package claim

import (
	"context"
	"log/slog"

	"tx/internal/store"
	"tx/internal/txerr"
	"tx/internal/txlog"
)

const (
	// DefaultLeaseMinutes is the lease length used when the caller does
	// not specify one (spec §4.4: "Default lease = 30 min").
	DefaultLeaseMinutes = 30
	// MaxRenewals bounds renewedCount (spec §3 Claim invariant iii).
	MaxRenewals = 10
)

// Service issues and manages leases over tasks.
type Service struct {
	store  *store.Store
	logger *slog.Logger
}

func New(s *store.Store, logger *slog.Logger) *Service {
	return &Service{store: s, logger: txlog.Component(logger, "claim")}
}

// Claim attempts to acquire exclusive ownership of taskID for workerID.
// The uniqueness invariant is enforced by the database's unique partial
// index inside a single transaction (spec §4.4, §5 ordering guarantee iii).
func (s *Service) Claim(ctx context.Context, taskID, workerID string, leaseMinutes int) (*store.Claim, error) {
	if leaseMinutes <= 0 {
		leaseMinutes = DefaultLeaseMinutes
	}

	var result *store.Claim
	err := s.store.WithImmediateTx(ctx, func(ctx context.Context, q store.Queryer) error {
		if ok, err := s.store.Tasks().Exists(ctx, q, taskID); err != nil {
			return err
		} else if !ok {
			return txerr.Newf(txerr.CodeTaskNotFound, "task %s not found", taskID)
		}
		if _, err := s.store.Workers().Get(ctx, q, workerID); err != nil {
			return err
		}

		claim, ok, err := s.store.Claims().TryInsertActive(ctx, q, taskID, workerID, leaseMinutes)
		if err != nil {
			return err
		}
		if !ok {
			return txerr.Newf(txerr.CodeAlreadyClaimed, "task %s already claimed by %s", taskID, claim.WorkerID).
				WithDetails(map[string]any{"claimedByWorkerId": claim.WorkerID})
		}
		if err := s.store.Workers().SetStatus(ctx, q, workerID, store.WorkerBusy, &taskID); err != nil {
			return err
		}
		result = claim
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Renew extends the lease for an active claim owned by workerID (spec §4.4).
func (s *Service) Renew(ctx context.Context, taskID, workerID string) (*store.Claim, error) {
	var result *store.Claim
	err := s.store.WithImmediateTx(ctx, func(ctx context.Context, q store.Queryer) error {
		c, err := s.store.Claims().Renew(ctx, q, taskID, workerID, DefaultLeaseMinutes, MaxRenewals)
		if err != nil {
			return err
		}
		result = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Release voluntarily releases an active claim held by workerID.
func (s *Service) Release(ctx context.Context, taskID, workerID string) error {
	return s.store.WithImmediateTx(ctx, func(ctx context.Context, q store.Queryer) error {
		if err := s.store.Claims().Release(ctx, q, taskID, workerID); err != nil {
			return err
		}
		return s.store.Workers().SetStatus(ctx, q, workerID, store.WorkerIdle, nil)
	})
}

// Expire marks a claim (by numeric id) expired. Idempotent.
func (s *Service) Expire(ctx context.Context, claimID int64) error {
	return s.store.Claims().Expire(ctx, nil, claimID)
}

// GetExpired returns every active claim whose lease has passed.
func (s *Service) GetExpired(ctx context.Context) ([]*store.Claim, error) {
	return s.store.Claims().GetExpired(ctx, nil)
}

// ReleaseByWorker bulk-releases every active claim held by workerID,
// returning the count released (spec §4.4: used during graceful shutdown
// and reconciliation).
func (s *Service) ReleaseByWorker(ctx context.Context, workerID string) (int, error) {
	var n int
	err := s.store.WithImmediateTx(ctx, func(ctx context.Context, q store.Queryer) error {
		count, err := s.store.Claims().ReleaseByWorker(ctx, q, workerID)
		if err != nil {
			return err
		}
		n = count
		return s.store.Workers().SetStatus(ctx, q, workerID, store.WorkerIdle, nil)
	})
	return n, err
}

// GetActiveClaim returns the active claim for a task, or nil if none.
func (s *Service) GetActiveClaim(ctx context.Context, taskID string) (*store.Claim, error) {
	c, err := s.store.Claims().GetActiveByTask(ctx, nil, taskID)
	if txerr.CodeOf(err) == txerr.CodeClaimNotFound {
		return nil, nil
	}
	return c, err
}
