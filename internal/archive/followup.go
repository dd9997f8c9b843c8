package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/p-n-ai/pai-grader/internal/ai"
)

// Topic is the queue topic carrying jobs of one analysis kind.
func Topic(kind ai.AnalysisKind) string {
	return "followup." + string(kind)
}

// Publisher is the transport BusQueue publishes on.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// BusQueue is a Queue that publishes JSON-encoded jobs to a topic per kind.
type BusQueue struct {
	pub Publisher
}

// NewBusQueue creates a BusQueue.
func NewBusQueue(pub Publisher) *BusQueue {
	return &BusQueue{pub: pub}
}

func (q *BusQueue) Enqueue(ctx context.Context, job FollowUpJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding follow-up job: %w", err)
	}
	return q.pub.Publish(ctx, Topic(job.Kind), payload)
}

// Analyzer runs one follow-up analysis.
type Analyzer interface {
	Analyze(ctx context.Context, req ai.AnalysisRequest) (ai.AnalysisResult, error)
}

// FollowUpWorker analyzes the items of follow-up jobs and stores the result
// on each archived record.
type FollowUpWorker struct {
	analyzer Analyzer
	store    Store
	limit    int
}

// NewFollowUpWorker creates a worker that analyzes up to limit items of a
// job at once.
func NewFollowUpWorker(a Analyzer, store Store, limit int) *FollowUpWorker {
	if limit <= 0 {
		limit = 1
	}
	return &FollowUpWorker{analyzer: a, store: store, limit: limit}
}

// HandlePayload decodes a BusQueue payload and handles the job.
func (w *FollowUpWorker) HandlePayload(ctx context.Context, payload []byte) error {
	var job FollowUpJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decoding follow-up job: %w", err)
	}
	return w.Handle(ctx, job)
}

// Handle analyzes every item of job. Items fail independently; the returned
// error joins the individual failures.
func (w *FollowUpWorker) Handle(ctx context.Context, job FollowUpJob) error {
	errs := make([]error, len(job.Items))
	var g errgroup.Group
	g.SetLimit(w.limit)
	for i, item := range job.Items {
		g.Go(func() error {
			errs[i] = w.handleItem(ctx, job.Kind, item)
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	failed := 0
	for _, e := range errs {
		if e != nil {
			failed++
		}
	}
	slog.Info("follow-up job done",
		"session_id", job.SessionID,
		"kind", string(job.Kind),
		"items", len(job.Items),
		"failed", failed,
	)
	return err
}

func (w *FollowUpWorker) handleItem(ctx context.Context, kind ai.AnalysisKind, item FollowUpItem) error {
	res, err := w.analyzer.Analyze(ctx, ai.AnalysisRequest{
		Kind:          kind,
		Subject:       item.Subject,
		QuestionText:  item.QuestionText,
		StudentAnswer: item.StudentAnswer,
		Feedback:      item.Feedback,
	})
	if err != nil {
		return fmt.Errorf("analyze record %s: %w", item.RecordID, err)
	}
	if err := w.store.SetAnalysis(ctx, item.RecordID, res); err != nil {
		return fmt.Errorf("store analysis for %s: %w", item.RecordID, err)
	}
	return nil
}
