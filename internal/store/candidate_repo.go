package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"tx/internal/txerr"
)

// Confidence is a candidate's self-reported quality tier (spec §3).
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// StepDown returns the next-lower confidence tier, or the same tier if
// already at the floor (SPEC_FULL.md supplemented feature 3: confidence decay).
func (c Confidence) StepDown() Confidence {
	switch c {
	case ConfidenceHigh:
		return ConfidenceMedium
	case ConfidenceMedium:
		return ConfidenceLow
	default:
		return ConfidenceLow
	}
}

// CandidateStatus is a candidate's promotion lifecycle state (spec §3).
type CandidateStatus string

const (
	CandidatePending   CandidateStatus = "pending"
	CandidatePromoted  CandidateStatus = "promoted"
	CandidateRejected  CandidateStatus = "rejected"
	CandidateMerged    CandidateStatus = "merged"
)

// Candidate is a learning-in-waiting row.
type Candidate struct {
	ID                  string
	Content             string
	Confidence          Confidence
	Status              CandidateStatus
	SourceRunID         *string
	SourceTaskID        *string
	Keywords            []string
	Category            *string
	MergedIntoID        *string
	CreatedAt           time.Time
	ConfidenceStepsDown int
}

// CandidateRepo provides row-level CRUD for candidates.
type CandidateRepo struct{ s *Store }

func (s *Store) Candidates() *CandidateRepo { return &CandidateRepo{s} }

func (r *CandidateRepo) q(q Queryer) Queryer {
	if q == nil {
		return r.s.db
	}
	return q
}

// Insert writes a new candidate row.
func (r *CandidateRepo) Insert(ctx context.Context, q Queryer, c *Candidate) error {
	keywords, err := json.Marshal(c.Keywords)
	if err != nil {
		return txerr.Wrap(txerr.CodeValidationError, "marshal candidate keywords", err)
	}
	_, err = r.q(q).ExecContext(ctx, `
		INSERT INTO candidates (id, content, confidence, status, source_run_id, source_task_id, keywords, category, merged_into_id, created_at, confidence_steps_down)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Content, string(c.Confidence), string(c.Status), c.SourceRunID, c.SourceTaskID, string(keywords),
		c.Category, c.MergedIntoID, rfc3339(c.CreatedAt), c.ConfidenceStepsDown)
	if err != nil {
		return txerr.Database("insert candidate", err)
	}
	return nil
}

// Get fetches a candidate by id.
func (r *CandidateRepo) Get(ctx context.Context, q Queryer, id string) (*Candidate, error) {
	row := r.q(q).QueryRowContext(ctx, `
		SELECT id, content, confidence, status, source_run_id, source_task_id, keywords, category, merged_into_id, created_at, confidence_steps_down
		FROM candidates WHERE id = ?`, id)
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, txerr.Newf(txerr.CodeCandidateNotFound, "candidate %s not found", id)
	}
	if err != nil {
		return nil, txerr.Database("get candidate", err)
	}
	return c, nil
}

// ListByStatus returns candidates in the given status, oldest first. It
// does not filter by confidence; autoPromote applies its own minimum.
func (r *CandidateRepo) ListByStatus(ctx context.Context, q Queryer, status CandidateStatus) ([]*Candidate, error) {
	rows, err := r.q(q).QueryContext(ctx, `
		SELECT id, content, confidence, status, source_run_id, source_task_id, keywords, category, merged_into_id, created_at, confidence_steps_down
		FROM candidates WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, txerr.Database("list candidates by status", err)
	}
	defer rows.Close()
	var out []*Candidate
	for rows.Next() {
		c, err := scanCandidateRows(rows)
		if err != nil {
			return nil, txerr.Database("scan candidate", err)
		}
		out = append(out, c)
	}
	return out, nil
}

// SetStatus updates a candidate's status, optionally pointing mergedIntoID
// (used when status=merged).
func (r *CandidateRepo) SetStatus(ctx context.Context, q Queryer, id string, status CandidateStatus, mergedIntoID *string) error {
	res, err := r.q(q).ExecContext(ctx, `UPDATE candidates SET status = ?, merged_into_id = ? WHERE id = ?`,
		string(status), mergedIntoID, id)
	if err != nil {
		return txerr.Database("set candidate status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return txerr.Newf(txerr.CodeCandidateNotFound, "candidate %s not found", id)
	}
	return nil
}

// StepDownConfidence lowers a pending candidate's confidence by one tier
// and bumps confidence_steps_down, but only if it hasn't already been
// stepped down once (SPEC_FULL.md feature 3: decay applies once).
func (r *CandidateRepo) StepDownConfidence(ctx context.Context, q Queryer, id string) error {
	c, err := r.Get(ctx, q, id)
	if err != nil {
		return err
	}
	if c.Status != CandidatePending || c.ConfidenceStepsDown > 0 {
		return nil
	}
	_, err = r.q(q).ExecContext(ctx, `
		UPDATE candidates SET confidence = ?, confidence_steps_down = confidence_steps_down + 1 WHERE id = ?`,
		string(c.Confidence.StepDown()), id)
	if err != nil {
		return txerr.Database("step down candidate confidence", err)
	}
	return nil
}

func scanCandidate(row *sql.Row) (*Candidate, error) {
	var c Candidate
	var confidence, status, keywords, createdAt string
	var sourceRunID, sourceTaskID, category, mergedIntoID sql.NullString
	if err := row.Scan(&c.ID, &c.Content, &confidence, &status, &sourceRunID, &sourceTaskID, &keywords, &category, &mergedIntoID, &createdAt, &c.ConfidenceStepsDown); err != nil {
		return nil, err
	}
	return hydrateCandidate(&c, confidence, status, keywords, createdAt, sourceRunID, sourceTaskID, category, mergedIntoID)
}

func scanCandidateRows(rows *sql.Rows) (*Candidate, error) {
	var c Candidate
	var confidence, status, keywords, createdAt string
	var sourceRunID, sourceTaskID, category, mergedIntoID sql.NullString
	if err := rows.Scan(&c.ID, &c.Content, &confidence, &status, &sourceRunID, &sourceTaskID, &keywords, &category, &mergedIntoID, &createdAt, &c.ConfidenceStepsDown); err != nil {
		return nil, err
	}
	return hydrateCandidate(&c, confidence, status, keywords, createdAt, sourceRunID, sourceTaskID, category, mergedIntoID)
}

func hydrateCandidate(c *Candidate, confidence, status, keywords, createdAt string, sourceRunID, sourceTaskID, category, mergedIntoID sql.NullString) (*Candidate, error) {
	c.Confidence = Confidence(confidence)
	c.Status = CandidateStatus(status)
	if sourceRunID.Valid {
		v := sourceRunID.String
		c.SourceRunID = &v
	}
	if sourceTaskID.Valid {
		v := sourceTaskID.String
		c.SourceTaskID = &v
	}
	if category.Valid {
		v := category.String
		c.Category = &v
	}
	if mergedIntoID.Valid {
		v := mergedIntoID.String
		c.MergedIntoID = &v
	}
	if err := json.Unmarshal([]byte(keywords), &c.Keywords); err != nil {
		return nil, err
	}
	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return c, nil
}
