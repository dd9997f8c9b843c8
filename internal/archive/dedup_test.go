package archive

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/p-n-ai/pai-grader/internal/ai"
	"github.com/p-n-ai/pai-grader/internal/grading"
)

// answerGrader marks a unit correct when its answer is listed in correct.
type answerGrader struct {
	correct map[string]bool // question text -> correct
	fail    map[string]bool
}

func (g answerGrader) Grade(_ context.Context, req ai.GradeRequest) (ai.GradeResponse, error) {
	if g.fail[req.QuestionText] {
		return ai.GradeResponse{}, errors.New("backend unavailable")
	}
	ok := g.correct[req.QuestionText]
	score := 0.0
	if ok {
		score = 1
	}
	return ai.GradeResponse{Success: true, Grade: &ai.Grade{Score: score, IsCorrect: ok, Feedback: "checked"}}, nil
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []FollowUpJob
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job FollowUpJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return q.err
}

func (q *recordingQueue) job(kind ai.AnalysisKind) (FollowUpJob, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.Kind == kind {
			return j, true
		}
	}
	return FollowUpJob{}, false
}

// failingStore rejects inserts for the listed question texts.
type failingStore struct {
	*MemoryStore
	reject map[string]bool
}

func (s failingStore) Insert(ctx context.Context, rec Record) (string, bool, error) {
	if s.reject[rec.QuestionText] {
		return "", false, errors.New("disk full")
	}
	return s.MemoryStore.Insert(ctx, rec)
}

func gradedSession(t *testing.T, id string, g answerGrader) *grading.Session {
	t.Helper()
	sess := grading.NewSession(id, nil, nil)
	sub, err := grading.NewParent([]*grading.Subquestion{
		{ID: "a", Text: "x+1=2", StudentAnswer: "x=1"},
		{ID: "b", Text: "x-1=2", StudentAnswer: "x=1"},
	})
	if err != nil {
		t.Fatalf("NewParent() error = %v", err)
	}
	err = sess.SetQuestions("math", 1, []*grading.Question{
		{ID: "q1", Number: "1", Text: "2+2", StudentAnswer: "4", Body: grading.NewLeaf()},
		{ID: "q2", Number: "2", Text: "3*3", StudentAnswer: "6", Body: grading.NewLeaf()},
		{ID: "q3", Number: "3", Text: "Solve for x", Body: sub},
	})
	if err != nil {
		t.Fatalf("SetQuestions() error = %v", err)
	}
	if err := grading.NewScheduler(g, 2).GradeAll(t.Context(), sess, 0); err != nil {
		t.Fatalf("GradeAll() error = %v", err)
	}
	return sess
}

var mixedGrader = answerGrader{correct: map[string]bool{"2+2": true, "x+1=2": true}}

func TestArchive_SplitsParentsAndPartitions(t *testing.T) {
	store := NewMemoryStore()
	queue := &recordingQueue{}
	sess := gradedSession(t, "s1", mixedGrader)

	sum, err := NewDeduplicator(store, queue).Archive(t.Context(), sess)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if sum.Added != 4 || sum.Skipped != 0 || sum.Failed != 0 || sum.MistakeCount != 2 {
		t.Errorf("summary = %+v, want 4 added, 2 mistakes", sum)
	}
	if store.Len() != 4 {
		t.Errorf("stored records = %d, want 4", store.Len())
	}

	for _, u := range sum.Units {
		rec, err := store.Get(t.Context(), u.RecordID)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", u.RecordID, err)
		}
		if u.Unit.SubID != "" {
			if rec.ParentID != "q3" || rec.ParentText != "Solve for x" {
				t.Errorf("subquestion record %+v, want parent back-reference", rec)
			}
		} else if rec.ParentID != "" {
			t.Errorf("leaf record %+v should have no parent", rec)
		}
	}

	wrong, ok := queue.job(ai.AnalysisMistake)
	if !ok || len(wrong.Items) != 2 || wrong.SessionID != "s1" {
		t.Fatalf("mistake job = %+v, want 2 items for s1", wrong)
	}
	correct, ok := queue.job(ai.AnalysisConcept)
	if !ok || len(correct.Items) != 2 {
		t.Fatalf("concept job = %+v, want 2 items", correct)
	}
	for _, item := range wrong.Items {
		rec, err := store.Get(t.Context(), item.RecordID)
		if err != nil || rec.IsCorrect {
			t.Errorf("mistake item %+v should reference a stored wrong record", item)
		}
		if item.Feedback != "checked" {
			t.Errorf("item feedback = %q, want grader feedback", item.Feedback)
		}
	}
}

func TestArchive_DedupRemapsIDs(t *testing.T) {
	store := NewMemoryStore()
	queue := &recordingQueue{}
	d := NewDeduplicator(store, queue)

	first, err := d.Archive(t.Context(), gradedSession(t, "s1", mixedGrader))
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	second, err := d.Archive(t.Context(), gradedSession(t, "s2", mixedGrader))
	if err != nil {
		t.Fatalf("second Archive() error = %v", err)
	}

	if second.Added != 0 || second.Skipped != 4 {
		t.Errorf("second summary = %+v, want 4 skipped", second)
	}
	if second.MistakeCount != 2 {
		t.Errorf("MistakeCount = %d, deduped records still count", second.MistakeCount)
	}
	if store.Len() != 4 {
		t.Errorf("stored records = %d, want 4", store.Len())
	}
	for i := range first.Units {
		if first.Units[i].RecordID != second.Units[i].RecordID {
			t.Errorf("unit %v: ids %q vs %q, want existing id reused",
				first.Units[i].Unit, first.Units[i].RecordID, second.Units[i].RecordID)
		}
	}

	// Follow-ups of the second session carry the existing ids.
	var jobs []FollowUpJob
	for _, j := range queue.jobs {
		if j.SessionID == "s2" {
			jobs = append(jobs, j)
		}
	}
	existing := map[string]bool{}
	for _, u := range first.Units {
		existing[u.RecordID] = true
	}
	for _, j := range jobs {
		for _, item := range j.Items {
			if !existing[item.RecordID] {
				t.Errorf("follow-up item %s is not a remapped id", item.RecordID)
			}
		}
	}
}

func TestArchive_InsertFailuresAreIsolated(t *testing.T) {
	store := failingStore{MemoryStore: NewMemoryStore(), reject: map[string]bool{"3*3": true}}
	queue := &recordingQueue{}

	sum, err := NewDeduplicator(store, queue).Archive(t.Context(), gradedSession(t, "s1", mixedGrader))
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if sum.Failed != 1 || sum.Added != 3 || sum.MistakeCount != 1 {
		t.Errorf("summary = %+v, want 1 failed, 3 added, 1 mistake", sum)
	}
	wrong, _ := queue.job(ai.AnalysisMistake)
	for _, item := range wrong.Items {
		if item.RecordID == "" || item.QuestionText == "3*3" {
			t.Errorf("failed record reached the queue: %+v", item)
		}
	}
}

func TestArchive_SkipsUngradedUnits(t *testing.T) {
	g := answerGrader{correct: map[string]bool{"2+2": true}, fail: map[string]bool{"x-1=2": true}}
	sum, err := NewDeduplicator(NewMemoryStore(), nil).Archive(t.Context(), gradedSession(t, "s1", g))
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if sum.Ungraded != 1 || sum.Added != 3 {
		t.Errorf("summary = %+v, want 3 added, 1 ungraded", sum)
	}
}

func TestArchive_EnqueueErrorsAreNotFatal(t *testing.T) {
	queue := &recordingQueue{err: errors.New("queue closed")}
	sum, err := NewDeduplicator(NewMemoryStore(), queue).Archive(t.Context(), gradedSession(t, "s1", mixedGrader))
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if sum.Added != 4 {
		t.Errorf("Added = %d, want 4", sum.Added)
	}
}

func TestArchive_RequiresGradedSession(t *testing.T) {
	sess := grading.NewSession("s", nil, nil)
	_, err := NewDeduplicator(NewMemoryStore(), nil).Archive(t.Context(), sess)
	if !errors.Is(err, grading.ErrInvalidState) {
		t.Errorf("Archive() error = %v, want ErrInvalidState", err)
	}
}

func TestArchive_ImagePathForCroppedUnits(t *testing.T) {
	sess := gradedSession(t, "s1", mixedGrader)
	// Unreferenced images are dropped, so the owning annotation comes first.
	sess.AddAnnotation(grading.Annotation{QuestionNumber: ptr("1")})
	sess.SetCroppedImages(map[string]grading.CroppedImage{"q1": {Data: []byte{1}, AnnotationID: sess.Annotations()[0].ID}})

	store := NewMemoryStore()
	sum, err := NewDeduplicator(store, nil).Archive(t.Context(), sess)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	for _, u := range sum.Units {
		rec, _ := store.Get(t.Context(), u.RecordID)
		want := ""
		if u.Unit.QuestionID == "q1" {
			want = "/sessions/s1/images/q1"
		}
		if rec.ImagePath != want {
			t.Errorf("unit %v ImagePath = %q, want %q", u.Unit, rec.ImagePath, want)
		}
	}
}

func ptr(s string) *string { return &s }
