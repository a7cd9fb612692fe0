package promotion

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tx/internal/id"
	"tx/internal/learning/vector"
	"tx/internal/store"
	"tx/internal/task"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPromoteCreatesLearningAndMarksCandidatePromoted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	svc := New(s, task.New(s, nil), nil, nil, nil)

	taskID := id.Task()
	if err := s.Tasks().Insert(ctx, nil, &store.Task{ID: taskID, Title: "t", Status: store.StatusBacklog}); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	c := &store.Candidate{
		ID: id.New("candidate"), Content: "use context cancellation in scan loops",
		Confidence: store.ConfidenceMedium, Status: store.CandidatePending,
		SourceTaskID: &taskID, CreatedAt: time.Now().UTC(),
	}
	if err := s.Candidates().Insert(ctx, nil, c); err != nil {
		t.Fatalf("insert candidate: %v", err)
	}

	l, err := svc.Promote(ctx, c.ID)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if l.Content != c.Content || l.SourceType != store.SourceCompaction {
		t.Fatalf("unexpected learning: %+v", l)
	}

	got, err := s.Candidates().Get(ctx, nil, c.ID)
	if err != nil {
		t.Fatalf("get candidate: %v", err)
	}
	if got.Status != store.CandidatePromoted {
		t.Fatalf("candidate status = %s, want promoted", got.Status)
	}
}

func TestAutoPromoteMergesNearDuplicatesAndPromotesTheRest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	vectors, err := vector.Open("learnings", 4)
	if err != nil {
		t.Fatalf("open vector store: %v", err)
	}
	svc := New(s, task.New(s, nil), vectors, nil, nil)

	existing := &store.Learning{ID: id.Learning(), Content: "existing learning", SourceType: store.SourceManual, CreatedAt: time.Now().UTC()}
	if err := s.Learnings().Insert(ctx, nil, existing); err != nil {
		t.Fatalf("insert learning: %v", err)
	}
	if err := vectors.Upsert(ctx, vector.Document{ID: existing.ID, Content: existing.Content, Embedding: []float32{1, 0, 0, 0}}); err != nil {
		t.Fatalf("upsert vector: %v", err)
	}

	dup := &store.Candidate{ID: id.New("candidate"), Content: "near duplicate", Confidence: store.ConfidenceHigh, Status: store.CandidatePending, CreatedAt: time.Now().UTC()}
	novel := &store.Candidate{ID: id.New("candidate"), Content: "something new", Confidence: store.ConfidenceHigh, Status: store.CandidatePending, CreatedAt: time.Now().UTC()}
	for _, c := range []*store.Candidate{dup, novel} {
		if err := s.Candidates().Insert(ctx, nil, c); err != nil {
			t.Fatalf("insert candidate: %v", err)
		}
	}

	embedder := func(ctx context.Context, text string) ([]float32, error) {
		if text == dup.Content {
			return []float32{1, 0, 0, 0}, nil
		}
		return []float32{0, 1, 0, 0}, nil
	}

	result, err := svc.AutoPromote(ctx, AutoPromoteParams{MinConfidence: store.ConfidenceLow, Embedder: embedder})
	if err != nil {
		t.Fatalf("AutoPromote: %v", err)
	}
	if result.Merged != 1 || result.Promoted != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	gotDup, err := s.Candidates().Get(ctx, nil, dup.ID)
	if err != nil {
		t.Fatalf("get dup candidate: %v", err)
	}
	if gotDup.Status != store.CandidateMerged || gotDup.MergedIntoID == nil || *gotDup.MergedIntoID != existing.ID {
		t.Fatalf("unexpected dup candidate: %+v", gotDup)
	}
}

// stubSummarizer returns fixed learnings text so Compact has a file to write.
type stubSummarizer struct{ learnings string }

func (s stubSummarizer) Summarize(context.Context, string) (string, string, error) {
	return "summary", s.learnings, nil
}

func TestCompactWritesLearningsFileThenDeletesTasks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tasks := task.New(s, nil)
	svc := New(s, tasks, nil, stubSummarizer{learnings: "learned\n"}, nil)

	parent, err := tasks.Create(ctx, task.CreateParams{Title: "parent"})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if err := tasks.ForceStatus(ctx, parent.ID, store.StatusDone, "test"); err != nil {
		t.Fatalf("force done: %v", err)
	}

	outputFile := filepath.Join(t.TempDir(), "learnings.md")
	result, err := svc.Compact(ctx, CompactParams{
		Before:     time.Now().UTC().Add(time.Hour),
		OutputFile: outputFile,
		OutputMode: "overwrite",
	})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(result.TaskIDs) != 1 || result.TaskIDs[0] != parent.ID {
		t.Fatalf("unexpected compacted ids: %+v", result.TaskIDs)
	}

	written, err := os.ReadFile(outputFile)
	if err != nil {
		t.Fatalf("read learnings file: %v", err)
	}
	if string(written) != "learned\n" {
		t.Fatalf("learnings file = %q, want %q", written, "learned\n")
	}

	if _, err := s.Tasks().Get(ctx, nil, parent.ID); err == nil {
		t.Fatal("expected the compacted task to be deleted")
	}
}

func TestCompactDryRunLeavesTasksAndFileUntouched(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tasks := task.New(s, nil)
	svc := New(s, tasks, nil, nil, nil)

	parent, err := tasks.Create(ctx, task.CreateParams{Title: "parent"})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if err := tasks.ForceStatus(ctx, parent.ID, store.StatusDone, "test"); err != nil {
		t.Fatalf("force done: %v", err)
	}

	outputFile := filepath.Join(t.TempDir(), "learnings.md")
	result, err := svc.Compact(ctx, CompactParams{Before: time.Now().UTC().Add(time.Hour), OutputFile: outputFile, DryRun: true})
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if len(result.TaskIDs) != 1 {
		t.Fatalf("unexpected compacted ids: %+v", result.TaskIDs)
	}
	if _, err := s.Tasks().Get(ctx, nil, parent.ID); err != nil {
		t.Fatalf("dry run must not delete tasks: %v", err)
	}
	if _, err := os.Stat(outputFile); !os.IsNotExist(err) {
		t.Fatalf("dry run must not write the learnings file: %v", err)
	}
}

func TestVerifyAnchorFlipsStatusOnDrift(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	svc := New(s, task.New(s, nil), nil, nil, nil)

	l := &store.Learning{ID: id.Learning(), Content: "c", SourceType: store.SourceManual, CreatedAt: time.Now().UTC()}
	if err := s.Learnings().Insert(ctx, nil, l); err != nil {
		t.Fatalf("insert learning: %v", err)
	}
	hash := contentHash("original content")
	a := &store.LearningAnchor{
		ID: id.Anchor(), LearningID: l.ID, AnchorType: "file", FilePath: "main.go",
		ContentHash: &hash, Status: store.AnchorValid,
	}
	if err := s.Anchors().Insert(ctx, nil, a); err != nil {
		t.Fatalf("insert anchor: %v", err)
	}

	got, err := svc.VerifyAnchor(ctx, a.ID, "original content")
	if err != nil {
		t.Fatalf("VerifyAnchor: %v", err)
	}
	if got.Status != store.AnchorValid {
		t.Fatalf("status = %s, want valid", got.Status)
	}

	got, err = svc.VerifyAnchor(ctx, a.ID, "changed content")
	if err != nil {
		t.Fatalf("VerifyAnchor: %v", err)
	}
	if got.Status != store.AnchorDrifted {
		t.Fatalf("status = %s, want drifted", got.Status)
	}
}

func TestDecaySweepOnlyStepsDownOldPendingCandidates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	svc := New(s, task.New(s, nil), nil, nil, nil)

	old := &store.Candidate{ID: id.New("candidate"), Content: "old", Confidence: store.ConfidenceHigh, Status: store.CandidatePending, CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	fresh := &store.Candidate{ID: id.New("candidate"), Content: "fresh", Confidence: store.ConfidenceHigh, Status: store.CandidatePending, CreatedAt: time.Now().UTC()}
	for _, c := range []*store.Candidate{old, fresh} {
		if err := s.Candidates().Insert(ctx, nil, c); err != nil {
			t.Fatalf("insert candidate: %v", err)
		}
	}

	n, err := svc.DecaySweep(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("DecaySweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("decayed %d candidates, want 1", n)
	}

	gotOld, err := s.Candidates().Get(ctx, nil, old.ID)
	if err != nil {
		t.Fatalf("get old candidate: %v", err)
	}
	if gotOld.ConfidenceStepsDown != 1 {
		t.Fatalf("old candidate steps down = %d, want 1", gotOld.ConfidenceStepsDown)
	}
}

func TestNoOpSummarizerNeverFails(t *testing.T) {
	summary, learnings, err := NoOpSummarizer{}.Summarize(context.Background(), "anything")
	if err != nil || summary != "" || learnings != "" {
		t.Fatalf("NoOpSummarizer.Summarize() = (%q, %q, %v), want empty, empty, nil", summary, learnings, err)
	}
}
