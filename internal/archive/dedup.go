package archive

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/p-n-ai/pai-grader/internal/ai"
	"github.com/p-n-ai/pai-grader/internal/grading"
)

// FollowUpItem is one archived answer handed to a follow-up analysis.
type FollowUpItem struct {
	RecordID      string `json:"record_id"`
	Subject       string `json:"subject"`
	QuestionText  string `json:"question_text"`
	StudentAnswer string `json:"student_answer"`
	Feedback      string `json:"feedback,omitempty"`
}

// FollowUpJob is a batch of archived answers for one analysis kind.
type FollowUpJob struct {
	SessionID string          `json:"session_id"`
	Kind      ai.AnalysisKind `json:"kind"`
	Items     []FollowUpItem  `json:"items"`
}

// Queue accepts follow-up jobs. Enqueue must not wait for the job to run.
type Queue interface {
	Enqueue(ctx context.Context, job FollowUpJob) error
}

// ArchivedUnit reports what happened to one leaf unit.
type ArchivedUnit struct {
	Unit      grading.UnitRef `json:"unit"`
	RecordID  string          `json:"record_id,omitempty"`
	Created   bool            `json:"created"`
	IsCorrect bool            `json:"is_correct"`
	Error     string          `json:"error,omitempty"`
}

// Summary is the outcome of archiving one session.
type Summary struct {
	Added        int            `json:"added"`
	Skipped      int            `json:"skipped"`
	MistakeCount int            `json:"mistake_count"`
	Failed       int            `json:"failed"`
	Ungraded     int            `json:"ungraded"`
	Units        []ArchivedUnit `json:"units"`
}

// Deduplicator archives graded sessions into a Store.
type Deduplicator struct {
	store Store
	queue Queue
}

// NewDeduplicator creates a Deduplicator. queue may be nil, in which case no
// follow-up work is scheduled.
func NewDeduplicator(store Store, queue Queue) *Deduplicator {
	return &Deduplicator{store: store, queue: queue}
}

// candidate is a record waiting to be inserted together with the unit it
// came from and the grade feedback passed on to follow-ups.
type candidate struct {
	unit     grading.UnitRef
	record   Record
	feedback string
}

// Archive stores every graded leaf of a graded session. A parent question is
// split into one record per subquestion carrying the parent's id and text.
// Insert failures are isolated to their record and never reach the queues.
func (d *Deduplicator) Archive(ctx context.Context, sess *grading.Session) (Summary, error) {
	snap := sess.Snapshot()
	if snap.State != grading.StateGraded {
		return Summary{}, fmt.Errorf("%w: archive needs a graded session, have %s", grading.ErrInvalidState, snap.State)
	}

	cands, ungraded := flatten(snap)
	sum := Summary{Ungraded: ungraded, Units: make([]ArchivedUnit, 0, len(cands))}
	var wrong, correct []FollowUpItem

	for _, c := range cands {
		id, created, err := d.store.Insert(ctx, c.record)
		if err != nil {
			slog.Warn("archive insert failed",
				"session_id", snap.ID,
				"question_id", c.unit.QuestionID,
				"sub_id", c.unit.SubID,
				"error", err,
			)
			sum.Failed++
			sum.Units = append(sum.Units, ArchivedUnit{Unit: c.unit, IsCorrect: c.record.IsCorrect, Error: err.Error()})
			continue
		}
		if created {
			sum.Added++
		} else {
			sum.Skipped++
		}
		sum.Units = append(sum.Units, ArchivedUnit{Unit: c.unit, RecordID: id, Created: created, IsCorrect: c.record.IsCorrect})

		item := FollowUpItem{
			RecordID:      id,
			Subject:       c.record.Subject,
			QuestionText:  c.record.QuestionText,
			StudentAnswer: c.record.StudentAnswer,
			Feedback:      c.feedback,
		}
		if c.record.IsCorrect {
			correct = append(correct, item)
		} else {
			wrong = append(wrong, item)
		}
	}
	sum.MistakeCount = len(wrong)

	d.enqueue(ctx, FollowUpJob{SessionID: snap.ID, Kind: ai.AnalysisMistake, Items: wrong})
	d.enqueue(ctx, FollowUpJob{SessionID: snap.ID, Kind: ai.AnalysisConcept, Items: correct})

	slog.Info("session archived",
		"session_id", snap.ID,
		"added", sum.Added,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"mistakes", sum.MistakeCount,
	)
	return sum, nil
}

func (d *Deduplicator) enqueue(ctx context.Context, job FollowUpJob) {
	if d.queue == nil || len(job.Items) == 0 {
		return
	}
	if err := d.queue.Enqueue(ctx, job); err != nil {
		slog.Warn("follow-up enqueue failed",
			"session_id", job.SessionID,
			"kind", string(job.Kind),
			"items", len(job.Items),
			"error", err,
		)
	}
}

// flatten turns the question tree into one candidate per graded leaf and
// counts the leaves that have no grade.
func flatten(snap grading.Snapshot) ([]candidate, int) {
	var out []candidate
	ungraded := 0
	add := func(ref grading.UnitRef, text, answer string, res grading.UnitResult, parentID, parentText string) {
		if res.Grade == nil {
			ungraded++
			return
		}
		rec := Record{
			ContentHash:   ContentHash(snap.Subject, text, answer),
			SessionID:     snap.ID,
			Subject:       snap.Subject,
			QuestionText:  text,
			StudentAnswer: answer,
			IsCorrect:     res.Grade.IsCorrect,
			GradeSummary:  gradeSummary(res.Grade),
			ParentID:      parentID,
			ParentText:    parentText,
		}
		if _, ok := snap.CroppedImages[ref.Key()]; ok {
			rec.ImagePath = ImagePath(snap.ID, ref.Key())
		}
		out = append(out, candidate{unit: ref, record: rec, feedback: res.Grade.Feedback})
	}

	for _, q := range snap.Questions {
		switch b := q.Body.(type) {
		case *grading.Leaf:
			add(grading.UnitRef{QuestionID: q.ID}, q.Text, q.StudentAnswer, b.Result, "", "")
		case *grading.Parent:
			for _, sub := range b.Subquestions {
				add(grading.UnitRef{QuestionID: q.ID, SubID: sub.ID}, sub.Text, sub.StudentAnswer, sub.Result, q.ID, q.Text)
			}
		}
	}
	return out, ungraded
}

// ImagePath is where the HTTP API serves a unit's cropped image.
func ImagePath(sessionID, key string) string {
	return "/sessions/" + sessionID + "/images/" + key
}

func gradeSummary(g *grading.Grade) string {
	s := strconv.FormatFloat(g.Score, 'f', 2, 64)
	if g.Feedback != "" {
		s += " " + g.Feedback
	}
	return s
}
