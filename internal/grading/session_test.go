package grading

import (
	"errors"
	"reflect"
	"testing"
)

func TestSession_SetQuestions(t *testing.T) {
	sess := NewSession("", nil, nil)
	if sess.ID() == "" {
		t.Fatal("NewSession() with empty id should generate one")
	}
	if sess.State() != StateNothing {
		t.Fatalf("State() = %s, want nothing", sess.State())
	}

	if err := sess.SetQuestions("math", 1, nil); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SetQuestions(nil) error = %v, want ErrInvalidState", err)
	}
	if err := sess.SetQuestions("math", 1, []*Question{leaf("q1", "1", "a", "b"), leaf("q1", "2", "c", "d")}); err == nil {
		t.Error("SetQuestions() with duplicate ids should fail")
	}
	if err := sess.SetQuestions("math", 1, []*Question{{ID: "q1"}}); err == nil {
		t.Error("SetQuestions() with missing body should fail")
	}

	if err := sess.SetQuestions("math", 1, []*Question{leaf("q1", "1", "a", "b")}); err != nil {
		t.Fatalf("SetQuestions() error = %v", err)
	}
	if sess.State() != StateParsed {
		t.Errorf("State() = %s, want parsed", sess.State())
	}
	if err := sess.SetQuestions("math", 1, []*Question{leaf("q2", "2", "a", "b")}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second SetQuestions() error = %v, want ErrInvalidState", err)
	}
}

func TestSession_SetQuestionsCopiesInput(t *testing.T) {
	q := leaf("q1", "1", "2+2", "4")
	sess := NewSession("s", nil, nil)
	if err := sess.SetQuestions("math", 1, []*Question{q}); err != nil {
		t.Fatalf("SetQuestions() error = %v", err)
	}
	q.Text = "changed"
	if got := sess.Snapshot().Questions[0].Text; got != "2+2" {
		t.Errorf("question text = %q, session should hold its own copy", got)
	}
}

func TestSession_SnapshotIsDeepCopy(t *testing.T) {
	sess := parsedSession(t)
	gen := sess.Generation()
	sess.ApplyResult(gen, UnitRef{QuestionID: "q1"}, &Grade{Score: 1, IsCorrect: true}, nil)

	snap := sess.Snapshot()
	l, _ := snap.Questions[0].Leaf()
	l.Result.Grade.Score = 0
	p, _ := snap.Questions[2].Parent()
	p.Subquestions[0].Text = "mutated"

	if g := gradeOf(t, sess, UnitRef{QuestionID: "q1"}); g.Score != 1 {
		t.Errorf("grade score = %v, snapshot mutation leaked into session", g.Score)
	}
	if got := sess.Snapshot().Questions[2].Body.(*Parent).Subquestions[0].Text; got != "x+1=2" {
		t.Errorf("subquestion text = %q, snapshot mutation leaked into session", got)
	}
}

func TestSession_ApplyResult(t *testing.T) {
	sess := parsedSession(t)
	gen := sess.Generation()

	if sess.ApplyResult(gen, UnitRef{QuestionID: "q3"}, &Grade{}, nil) {
		t.Error("ApplyResult() on a parent should be rejected")
	}
	if sess.ApplyResult(gen, UnitRef{QuestionID: "nope"}, &Grade{}, nil) {
		t.Error("ApplyResult() on an unknown question should be rejected")
	}
	if !sess.ApplyResult(gen, UnitRef{QuestionID: "q3", SubID: "b"}, nil, errBackend) {
		t.Fatal("ApplyResult() with an error should be applied")
	}
	r, _ := sess.Result(UnitRef{QuestionID: "q3", SubID: "b"})
	if !r.Failed() || r.Graded() {
		t.Errorf("result = %+v, want failed and ungraded", r)
	}

	if !sess.ApplyResult(gen, UnitRef{QuestionID: "q3", SubID: "b"}, &Grade{Score: 0.5}, nil) {
		t.Fatal("ApplyResult() should be applied")
	}
	r, _ = sess.Result(UnitRef{QuestionID: "q3", SubID: "b"})
	if r.Err != nil || r.Grade == nil || r.Grade.Score != 0.5 {
		t.Errorf("result = %+v, want grade 0.5 and no error", r)
	}
	if sess.ApplyResult(gen+1, UnitRef{QuestionID: "q1"}, &Grade{}, nil) {
		t.Error("ApplyResult() from another generation should be discarded")
	}
}

func TestSession_RevertGrading(t *testing.T) {
	sess := parsedSession(t)
	sess.AddAnnotation(Annotation{TopLeft: pt(0, 0), BottomRight: pt(0.5, 0.5), QuestionNumber: strPtr("1")})

	grader := &fakeGrader{correct: map[string]bool{"2+2": true}}
	if err := NewScheduler(grader, 2).GradeAll(t.Context(), sess, 0); err != nil {
		t.Fatalf("GradeAll() error = %v", err)
	}
	if err := sess.MarkProgress(); err != nil {
		t.Fatalf("MarkProgress() error = %v", err)
	}

	before := sess.Snapshot()
	if before.State != StateGraded || !before.HasMarkedProgress {
		t.Fatalf("before revert: state %s, marked %v", before.State, before.HasMarkedProgress)
	}

	if err := sess.RevertGrading(); err != nil {
		t.Fatalf("RevertGrading() error = %v", err)
	}
	after := sess.Snapshot()

	if after.State != StateParsed {
		t.Errorf("State = %s, want parsed", after.State)
	}
	if after.HasMarkedProgress {
		t.Error("HasMarkedProgress should be reset")
	}
	for _, ref := range sess.Units() {
		r, _ := sess.Result(ref)
		if r.Grade != nil || r.Err != nil || r.Grading {
			t.Errorf("unit %v result = %+v, want cleared", ref, r)
		}
	}
	if len(after.Questions) != len(before.Questions) {
		t.Errorf("questions = %d, want %d", len(after.Questions), len(before.Questions))
	}
	for i := range after.Questions {
		if after.Questions[i].ID != before.Questions[i].ID || after.Questions[i].Text != before.Questions[i].Text {
			t.Errorf("question %d changed by revert", i)
		}
	}
	if !reflect.DeepEqual(after.Annotations, before.Annotations) {
		t.Error("annotations changed by revert")
	}
	if len(after.CroppedImages) != 1 {
		t.Errorf("cropped images = %d, want 1 kept", len(after.CroppedImages))
	}
}

func TestSession_RevertNothing(t *testing.T) {
	sess := NewSession("s", nil, nil)
	if err := sess.RevertGrading(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("RevertGrading() error = %v, want ErrInvalidState", err)
	}
}

func TestSession_MarkProgress(t *testing.T) {
	sess := parsedSession(t)
	if err := sess.MarkProgress(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("MarkProgress() before grading error = %v, want ErrInvalidState", err)
	}
	if err := NewScheduler(&fakeGrader{}, 0).GradeAll(t.Context(), sess, 0); err != nil {
		t.Fatalf("GradeAll() error = %v", err)
	}
	if err := sess.MarkProgress(); err != nil {
		t.Fatalf("MarkProgress() error = %v", err)
	}
	if err := sess.MarkProgress(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second MarkProgress() error = %v, want ErrInvalidState", err)
	}
}

func TestSession_Subscribe(t *testing.T) {
	sess := parsedSession(t)
	events, cancel := sess.Subscribe(4)

	sess.ApplyResult(sess.Generation(), UnitRef{QuestionID: "q1"}, &Grade{Score: 1, IsCorrect: true}, nil)
	ev := <-events
	if ev.Kind != EventGraded || ev.Unit.QuestionID != "q1" || ev.Grade == nil {
		t.Errorf("event = %+v, want graded q1", ev)
	}
	if ev.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", ev.SessionID)
	}

	cancel()
	cancel() // idempotent
	if _, ok := <-events; ok {
		t.Error("channel should be closed after cancel")
	}
	// Publishing with no subscribers must not block.
	sess.ApplyResult(sess.Generation(), UnitRef{QuestionID: "q2"}, &Grade{}, nil)
}

func TestParent_Aggregate(t *testing.T) {
	p, err := NewParent([]*Subquestion{
		{ID: "a", Result: UnitResult{Grade: &Grade{Score: 1}}},
		{ID: "b", Result: UnitResult{Grade: &Grade{Score: 0.5}}},
		{ID: "c"},
	})
	if err != nil {
		t.Fatalf("NewParent() error = %v", err)
	}
	score, graded := p.Aggregate()
	if graded != 2 || score != 0.75 {
		t.Errorf("Aggregate() = %v, %d; want 0.75, 2", score, graded)
	}
}

func TestNewParent_Rejects(t *testing.T) {
	if _, err := NewParent(nil); err == nil {
		t.Error("NewParent(nil) should fail")
	}
	if _, err := NewParent([]*Subquestion{{ID: "a"}, {ID: "a"}}); err == nil {
		t.Error("NewParent() with duplicate ids should fail")
	}
	if _, err := NewParent([]*Subquestion{{ID: ""}}); err == nil {
		t.Error("NewParent() with empty id should fail")
	}
}

func TestGrade_Validate(t *testing.T) {
	tests := []struct {
		g       Grade
		wantErr bool
	}{
		{Grade{Score: 0, Confidence: 1}, false},
		{Grade{Score: 1.1}, true},
		{Grade{Score: -0.1}, true},
		{Grade{Score: 0.5, Confidence: 2}, true},
	}
	for _, tt := range tests {
		if err := tt.g.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("Validate(%+v) error = %v, wantErr %v", tt.g, err, tt.wantErr)
		}
	}
}
