package grading

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/p-n-ai/pai-grader/internal/ai"
	"github.com/p-n-ai/pai-grader/internal/resilient"
)

const defaultConcurrency = 5

// Grader is the remote grade call.
type Grader interface {
	Grade(ctx context.Context, req ai.GradeRequest) (ai.GradeResponse, error)
}

// Scheduler grades leaf units with a bounded worker pool. Each worker grades
// one top-level question; a parent question fans out over all of its
// subquestions at once. Results are merged into the session as each
// top-level task completes, and a replacement task is started immediately.
type Scheduler struct {
	grader Grader
	limit  int
}

// NewScheduler creates a Scheduler with a default pool size. Callers pick
// a smaller pool for rate-limit-prone backends.
func NewScheduler(g Grader, limit int) *Scheduler {
	if limit <= 0 {
		limit = defaultConcurrency
	}
	return &Scheduler{grader: g, limit: limit}
}

// task is one top-level unit: a leaf question, or the selected
// subquestions of one parent.
type task struct {
	questionID string
	units      []unitInput
}

type unitOutcome struct {
	ref   UnitRef
	grade *Grade
	err   error
}

type taskResult struct {
	questionID string
	outcomes   []unitOutcome
}

// GradeAll grades every leaf unit of a parsed session. limit <= 0 uses the
// scheduler's default. It returns once every unit has a terminal result;
// per-unit failures are recorded on the unit, not returned.
func (s *Scheduler) GradeAll(ctx context.Context, sess *Session, limit int) error {
	return s.run(ctx, sess, sess.Units(), limit, false)
}

// RetryFailed re-enters exactly the units whose last attempt failed.
func (s *Scheduler) RetryFailed(ctx context.Context, sess *Session, limit int) error {
	failed := sess.FailedUnits()
	if len(failed) == 0 {
		return nil
	}
	return s.run(ctx, sess, failed, limit, true)
}

func (s *Scheduler) run(ctx context.Context, sess *Session, refs []UnitRef, limit int, allowGraded bool) error {
	if limit <= 0 {
		limit = s.limit
	}

	gen, inputs, err := sess.beginRun(refs, allowGraded)
	if err != nil {
		return err
	}
	defer sess.endRun(gen)

	tasks := groupTasks(inputs)
	for _, in := range inputs {
		sess.publish(Event{SessionID: sess.ID(), Unit: in.Ref, Kind: EventStarted})
	}

	start := time.Now()
	slog.Info("grading started",
		"session_id", sess.ID(),
		"units", len(inputs),
		"tasks", len(tasks),
		"concurrency", limit,
	)

	results := make(chan taskResult)
	next, active := 0, 0
	launch := func() {
		t := tasks[next]
		next++
		active++
		go func() {
			results <- s.runTask(ctx, t)
		}()
	}

	for next < len(tasks) && active < limit {
		launch()
	}
	failed, stale := 0, 0
	for active > 0 {
		r := <-results
		active--
		for _, o := range r.outcomes {
			if o.err != nil {
				failed++
			}
			if !sess.ApplyResult(gen, o.ref, o.grade, o.err) {
				stale++
			}
		}
		if next < len(tasks) {
			launch()
		}
	}

	slog.Info("grading finished",
		"session_id", sess.ID(),
		"units", len(inputs),
		"failed", failed,
		"discarded", stale,
		"duration", time.Since(start),
	)
	return nil
}

// groupTasks folds unit inputs into top-level tasks, keeping question order.
func groupTasks(inputs []unitInput) []task {
	var tasks []task
	index := make(map[string]int)
	for _, in := range inputs {
		if in.Ref.SubID == "" {
			tasks = append(tasks, task{questionID: in.Ref.QuestionID, units: []unitInput{in}})
			continue
		}
		i, ok := index[in.Ref.QuestionID]
		if !ok {
			i = len(tasks)
			index[in.Ref.QuestionID] = i
			tasks = append(tasks, task{questionID: in.Ref.QuestionID})
		}
		tasks[i].units = append(tasks[i].units, in)
	}
	return tasks
}

// runTask grades one top-level unit. Subquestions of a parent are graded
// together; one failing does not affect its siblings.
func (s *Scheduler) runTask(ctx context.Context, t task) taskResult {
	res := taskResult{questionID: t.questionID, outcomes: make([]unitOutcome, len(t.units))}
	if len(t.units) == 1 {
		res.outcomes[0] = s.gradeUnit(ctx, t.units[0], ai.DepthStandard)
		return res
	}

	var wg sync.WaitGroup
	for i, in := range t.units {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res.outcomes[i] = s.gradeUnit(ctx, in, ai.DepthStandard)
		}()
	}
	wg.Wait()
	return res
}

func (s *Scheduler) gradeUnit(ctx context.Context, in unitInput, depth ai.Depth) unitOutcome {
	out := unitOutcome{ref: in.Ref}
	resp, err := s.grader.Grade(ctx, ai.GradeRequest{
		QuestionText:          in.Text,
		StudentAnswer:         in.StudentAnswer,
		Subject:               in.Subject,
		QuestionType:          in.Type,
		ContextImageBase64:    in.ImageBase64,
		ParentQuestionContent: in.ParentText,
		Depth:                 depth,
	})
	if err != nil {
		slog.Warn("unit grading failed",
			"question_id", in.Ref.QuestionID,
			"sub_id", in.Ref.SubID,
			"error", err,
		)
		out.err = err
		return out
	}
	if !resp.Success || resp.Grade == nil {
		reason := resp.Error
		if reason == "" {
			reason = "grader declined"
		}
		out.err = resilient.GradeFailed(reason, nil)
		return out
	}

	g := Grade{
		Score:         resp.Grade.Score,
		IsCorrect:     resp.Grade.IsCorrect,
		Feedback:      resp.Grade.Feedback,
		CorrectAnswer: resp.Grade.CorrectAnswer,
		Confidence:    resp.Grade.Confidence,
	}
	if err := g.Validate(); err != nil {
		out.err = resilient.GradeFailed("invalid grade", err)
		return out
	}
	out.grade = &g
	return out
}

// Regrade grades one unit again at the given depth, bypassing the pool. On
// success the unit's grade is replaced wholesale and no other unit is
// touched; on failure the previous grade is kept and the error returned.
func (s *Scheduler) Regrade(ctx context.Context, sess *Session, ref UnitRef, depth ai.Depth) (Grade, error) {
	gen, in, err := sess.beginRegrade(ref)
	if err != nil {
		return Grade{}, err
	}
	sess.publish(Event{SessionID: sess.ID(), Unit: ref, Kind: EventStarted})

	out := s.gradeUnit(ctx, in, depth)
	if out.err != nil {
		sess.endRegrade(gen, ref, nil, out.err)
		return Grade{}, out.err
	}
	if !sess.endRegrade(gen, ref, out.grade, nil) {
		return Grade{}, fmt.Errorf("%w: session reverted during regrade", ErrInvalidState)
	}
	slog.Info("unit regraded",
		"session_id", sess.ID(),
		"question_id", ref.QuestionID,
		"sub_id", ref.SubID,
		"depth", depth.String(),
		"score", out.grade.Score,
	)
	return *out.grade, nil
}
