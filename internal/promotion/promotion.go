// Package promotion implements candidate promotion, near-duplicate
// merging, done-task compaction into the learnings file, and anchor drift
// verification (spec §4.9). Grounded on the teacher's memory
// consolidation flow (internal/memory), generalized from chat-session
// summarization into the coordination kernel's candidate/learning/anchor
// lifecycle.
package promotion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"time"

	"tx/internal/id"
	"tx/internal/learning/vector"
	"tx/internal/store"
	"tx/internal/task"
	"tx/internal/tokenutil"
	"tx/internal/txerr"
	"tx/internal/txlog"
)

// duplicateCosineThreshold is the [0,1]-rescaled similarity (as returned by
// vector.Store.Search) at or above which autoPromote treats a candidate as a
// duplicate of an existing learning (spec §4.9).
const duplicateCosineThreshold = 0.85

// Summarizer turns a batch of compacted task content into a short summary
// plus newline-delimited learnings text. The mandatory no-op variant below
// lets compaction run with empty output when no summarizer is configured
// (spec §9: "no-op variants are mandatory").
type Summarizer interface {
	Summarize(ctx context.Context, content string) (summary, learningsText string, err error)
}

// NoOpSummarizer produces empty output, never fails.
type NoOpSummarizer struct{}

func (NoOpSummarizer) Summarize(context.Context, string) (string, string, error) { return "", "", nil }

// Service owns promotion, compaction, and anchor verification.
type Service struct {
	store      *store.Store
	tasks      *task.Engine
	vectors    *vector.Store
	summarizer Summarizer
	logger     *slog.Logger
}

// New builds a promotion service. vectors may be nil to disable
// near-duplicate detection (every candidate is then promoted as new).
// summarizer defaults to NoOpSummarizer when nil.
func New(s *store.Store, tasks *task.Engine, vectors *vector.Store, summarizer Summarizer, logger *slog.Logger) *Service {
	if summarizer == nil {
		summarizer = NoOpSummarizer{}
	}
	return &Service{store: s, tasks: tasks, vectors: vectors, summarizer: summarizer, logger: txlog.Component(logger, "promotion")}
}

// Promote creates a Learning from a candidate, adds a DERIVED_FROM
// provenance edge to its source run/task, and marks the candidate
// promoted (spec §4.9).
func (s *Service) Promote(ctx context.Context, candidateID string) (*store.Learning, error) {
	c, err := s.store.Candidates().Get(ctx, nil, candidateID)
	if err != nil {
		return nil, err
	}

	l := &store.Learning{
		ID:         id.Learning(),
		Content:    c.Content,
		SourceType: store.SourceCompaction,
		CreatedAt:  time.Now().UTC(),
		Keywords:   c.Keywords,
		Category:   c.Category,
	}
	if c.SourceTaskID != nil {
		l.SourceRef = c.SourceTaskID
	} else if c.SourceRunID != nil {
		l.SourceRef = c.SourceRunID
	}

	if err := s.store.Learnings().Insert(ctx, nil, l); err != nil {
		return nil, err
	}

	// Provenance edge-creation failure is logged and ignored: best-effort
	// per spec §7 ("recovered locally").
	if c.SourceTaskID != nil {
		if err := s.store.Learnings().InsertEdge(ctx, nil, l.ID, *c.SourceTaskID, "DERIVED_FROM"); err != nil {
			s.logger.Warn("failed to record promotion provenance edge", "learningId", l.ID, "error", err)
		}
	}

	if err := s.store.Candidates().SetStatus(ctx, nil, candidateID, store.CandidatePromoted, nil); err != nil {
		return nil, err
	}
	return l, nil
}

// AutoPromoteParams controls AutoPromote.
type AutoPromoteParams struct {
	MinConfidence store.Confidence
	Embedder      func(ctx context.Context, text string) ([]float32, error)
}

// AutoPromoteResult tallies one sweep.
type AutoPromoteResult struct {
	Promoted int
	Merged   int
}

// AutoPromote processes pending candidates at or above MinConfidence,
// promoting each unless a near-duplicate learning already exists (rescaled
// similarity >= 0.85, i.e. raw cosine >= 0.7), in which case the candidate
// is marked merged with the existing learning's id instead (spec §4.9).
func (s *Service) AutoPromote(ctx context.Context, p AutoPromoteParams) (AutoPromoteResult, error) {
	var result AutoPromoteResult
	pending, err := s.store.Candidates().ListByStatus(ctx, nil, store.CandidatePending)
	if err != nil {
		return result, err
	}

	for _, c := range pending {
		if !meetsConfidence(c.Confidence, p.MinConfidence) {
			continue
		}

		if s.vectors != nil && p.Embedder != nil {
			emb, err := p.Embedder(ctx, c.Content)
			if err == nil && len(emb) > 0 {
				hits, err := s.vectors.Search(ctx, emb, 1)
				if err == nil && len(hits) > 0 && hits[0].Similarity >= duplicateCosineThreshold {
					if err := s.store.Candidates().SetStatus(ctx, nil, c.ID, store.CandidateMerged, &hits[0].ID); err != nil {
						return result, err
					}
					result.Merged++
					continue
				}
			}
		}

		if _, err := s.Promote(ctx, c.ID); err != nil {
			return result, err
		}
		result.Promoted++
	}
	return result, nil
}

func meetsConfidence(c, min store.Confidence) bool {
	rank := map[store.Confidence]int{store.ConfidenceLow: 0, store.ConfidenceMedium: 1, store.ConfidenceHigh: 2}
	return rank[c] >= rank[min]
}

// CompactParams configures Compact (spec §4.9).
type CompactParams struct {
	Before      time.Time
	OutputFile  string
	DryRun      bool
	OutputMode  string // "append" or "overwrite"
	TokenBudget int
}

// CompactResult reports what a compaction pass did or would do.
type CompactResult struct {
	TaskIDs []string
	Summary string
}

// Compact enumerates done tasks completed before the cutoff whose children
// are all done, summarizes them, writes the learnings file, and only then
// deletes the tasks and their dependency rows in a single transaction.
// File-write failure aborts before any deletion (spec §4.9).
func (s *Service) Compact(ctx context.Context, p CompactParams) (CompactResult, error) {
	candidates, err := s.doneWithDoneChildren(ctx, p.Before)
	if err != nil {
		return CompactResult{}, err
	}
	if len(candidates) == 0 {
		return CompactResult{}, nil
	}

	ids := make([]string, len(candidates))
	var content string
	for i, t := range candidates {
		ids[i] = t.ID
		content += t.Title + "\n" + t.Description + "\n\n"
	}

	if p.DryRun {
		return CompactResult{TaskIDs: ids}, nil
	}

	summary, learningsText, err := s.summarizer.Summarize(ctx, content)
	if err != nil {
		return CompactResult{}, txerr.Wrap(txerr.CodeExtractionUnavailable, "summarize compacted tasks", err)
	}
	if p.TokenBudget > 0 {
		learningsText = tokenutil.TruncateToTokens(learningsText, p.TokenBudget)
	}

	if p.OutputFile != "" && learningsText != "" {
		if err := writeLearningsFile(p.OutputFile, learningsText, p.OutputMode); err != nil {
			return CompactResult{}, txerr.Wrap(txerr.CodeValidationError, "write learnings file", err)
		}
	}

	err = s.store.WithImmediateTx(ctx, func(ctx context.Context, q store.Queryer) error {
		var outputFile *string
		if p.OutputFile != "" {
			outputFile = &p.OutputFile
		}
		if _, err := q.ExecContext(ctx, `INSERT INTO compaction_log (before, task_count, output_file, created_at) VALUES (?, ?, ?, ?)`,
			p.Before.UTC().Format(time.RFC3339Nano), len(ids), outputFile, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
			return txerr.Database("insert compaction log", err)
		}

		deps := s.store.Dependencies()
		edges, err := deps.AllEdges(ctx, q)
		if err != nil {
			return err
		}
		deleting := make(map[string]bool, len(ids))
		for _, id := range ids {
			deleting[id] = true
		}
		for _, edge := range edges {
			if deleting[edge[0]] || deleting[edge[1]] {
				if _, err := deps.Remove(ctx, q, edge[0], edge[1]); err != nil {
					return err
				}
			}
		}
		return s.store.Tasks().DeleteMany(ctx, q, ids)
	})
	if err != nil {
		return CompactResult{}, err
	}
	return CompactResult{TaskIDs: ids, Summary: summary}, nil
}

func (s *Service) doneWithDoneChildren(ctx context.Context, before time.Time) ([]*store.Task, error) {
	done, err := s.tasks.ListWithDeps(ctx, task.ListParams{Statuses: []store.Status{store.StatusDone}})
	if err != nil {
		return nil, err
	}
	var out []*store.Task
	for _, t := range done {
		if t.CompletedAt == nil || !t.CompletedAt.Before(before) {
			continue
		}
		allDone := true
		for _, childID := range t.Children {
			child, err := s.tasks.Get(ctx, childID)
			if err != nil {
				return nil, err
			}
			if child.Status != store.StatusDone {
				allDone = false
				break
			}
		}
		if allDone {
			out = append(out, t.Task)
		}
	}
	return out, nil
}

func writeLearningsFile(path, content, mode string) error {
	flags := os.O_CREATE | os.O_WRONLY
	if mode == "overwrite" {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}

// VerifyAnchor recomputes the content hash of currentContent (the caller
// reads the pinned file/range) and flips the anchor's status between
// valid/drifted accordingly (spec §4.9).
func (s *Service) VerifyAnchor(ctx context.Context, anchorID, currentContent string) (*store.LearningAnchor, error) {
	a, err := s.store.Anchors().Get(ctx, nil, anchorID)
	if err != nil {
		return nil, err
	}
	hash := contentHash(currentContent)
	status := store.AnchorValid
	if a.ContentHash != nil && *a.ContentHash != hash {
		status = store.AnchorDrifted
	}
	if err := s.store.Anchors().SetVerification(ctx, nil, anchorID, status, &hash); err != nil {
		return nil, err
	}
	return s.store.Anchors().Get(ctx, nil, anchorID)
}

// DecaySweep applies one-time confidence decay to pending candidates older
// than olderThan (SPEC_FULL.md supplemented feature 3).
func (s *Service) DecaySweep(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	pending, err := s.store.Candidates().ListByStatus(ctx, nil, store.CandidatePending)
	if err != nil {
		return 0, err
	}
	var n int
	for _, c := range pending {
		if c.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.store.Candidates().StepDownConfidence(ctx, nil, c.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
