package grading

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/p-n-ai/pai-grader/internal/ai"
	"github.com/p-n-ai/pai-grader/internal/region"
)

func pngPage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode page: %v", err)
	}
	return buf.Bytes()
}

func leaf(id, number, text, answer string) *Question {
	return &Question{ID: id, Number: number, Text: text, StudentAnswer: answer, Body: NewLeaf()}
}

func parent(t *testing.T, id, number, text string, subs ...*Subquestion) *Question {
	t.Helper()
	p, err := NewParent(subs)
	if err != nil {
		t.Fatalf("NewParent() error = %v", err)
	}
	return &Question{ID: id, Number: number, Text: text, Body: p}
}

// parsedSession returns a session with q1, q2 (leaves) and q3 (parent of a, b).
func parsedSession(t *testing.T) *Session {
	t.Helper()
	sess := NewSession("s1", [][]byte{pngPage(t, 100, 100)}, region.NewMapper(region.Options{}))
	err := sess.SetQuestions("math", 0.9, []*Question{
		leaf("q1", "1", "2+2", "4"),
		leaf("q2", "2", "3*3", "6"),
		parent(t, "q3", "3", "Solve for x",
			&Subquestion{ID: "a", Text: "x+1=2", StudentAnswer: "1"},
			&Subquestion{ID: "b", Text: "x-1=2", StudentAnswer: "1"},
		),
	})
	if err != nil {
		t.Fatalf("SetQuestions() error = %v", err)
	}
	return sess
}

func strPtr(s string) *string { return &s }

// fakeGrader grades by looking up the student answer in correct and tracks
// how many calls run at once.
type fakeGrader struct {
	correct map[string]bool // question text -> correct
	fail    map[string]bool // question text -> transport error
	delay   time.Duration

	mu       sync.Mutex
	requests []ai.GradeRequest

	inFlight atomic.Int32
	peak     atomic.Int32
}

var errBackend = errors.New("backend unavailable")

func (f *fakeGrader) Grade(ctx context.Context, req ai.GradeRequest) (ai.GradeResponse, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	fail := f.fail[req.QuestionText]
	correct := f.correct[req.QuestionText]
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ai.GradeResponse{}, ctx.Err()
		}
	}
	if fail {
		return ai.GradeResponse{}, errBackend
	}

	score := 0.0
	if correct {
		score = 1
	}
	feedback := "standard"
	if req.Depth == ai.DepthDeep {
		feedback = "deep"
	}
	return ai.GradeResponse{
		Success: true,
		Grade:   &ai.Grade{Score: score, IsCorrect: correct, Feedback: feedback, Confidence: 0.8},
	}, nil
}

func (f *fakeGrader) Requests() []ai.GradeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ai.GradeRequest(nil), f.requests...)
}

func (f *fakeGrader) setFail(text string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = map[string]bool{}
	}
	f.fail[text] = fail
}

func gradeOf(t *testing.T, sess *Session, ref UnitRef) *Grade {
	t.Helper()
	r, err := sess.Result(ref)
	if err != nil {
		t.Fatalf("Result(%v) error = %v", ref, err)
	}
	return r.Grade
}
