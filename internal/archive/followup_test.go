package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/p-n-ai/pai-grader/internal/ai"
	"github.com/p-n-ai/pai-grader/internal/platform/queue"
)

type fakeAnalyzer struct {
	mu       sync.Mutex
	requests []ai.AnalysisRequest
	fail     map[string]bool // question text
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeAnalyzer) Analyze(_ context.Context, req ai.AnalysisRequest) (ai.AnalysisResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for p := f.peak.Load(); n > p && !f.peak.CompareAndSwap(p, n); p = f.peak.Load() {
	}
	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	f.requests = append(f.requests, req)
	fail := f.fail[req.QuestionText]
	f.mu.Unlock()
	if fail {
		return ai.AnalysisResult{}, errors.New("analysis unavailable")
	}
	return ai.AnalysisResult{Summary: string(req.Kind) + ": " + req.QuestionText, Concepts: []string{req.Subject}}, nil
}

func TestFollowUpWorker_Handle(t *testing.T) {
	store := NewMemoryStore()
	ctx := t.Context()
	var items []FollowUpItem
	for _, text := range []string{"a", "b", "c", "d"} {
		id, _, _ := store.Insert(ctx, sampleRecord(text, "wrong"))
		items = append(items, FollowUpItem{RecordID: id, Subject: "math", QuestionText: text, StudentAnswer: "wrong"})
	}

	analyzer := &fakeAnalyzer{fail: map[string]bool{"c": true}}
	w := NewFollowUpWorker(analyzer, store, 2)
	err := w.Handle(ctx, FollowUpJob{SessionID: "s1", Kind: ai.AnalysisMistake, Items: items})
	if err == nil {
		t.Fatal("Handle() should report the failed item")
	}
	if peak := analyzer.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}

	for _, item := range items {
		rec, _ := store.Get(ctx, item.RecordID)
		if item.QuestionText == "c" {
			if rec.Analysis != "" {
				t.Errorf("failed item should have no analysis, got %q", rec.Analysis)
			}
			continue
		}
		if rec.Analysis != "error_analysis: "+item.QuestionText {
			t.Errorf("record %s analysis = %q", item.QuestionText, rec.Analysis)
		}
	}
}

func TestFollowUpWorker_HandlePayloadRejectsGarbage(t *testing.T) {
	w := NewFollowUpWorker(&fakeAnalyzer{}, NewMemoryStore(), 1)
	if err := w.HandlePayload(t.Context(), []byte("{not json")); err == nil {
		t.Error("HandlePayload() should fail on invalid JSON")
	}
}

func TestFollowUp_ThroughBus(t *testing.T) {
	bus := queue.New(16, slog.Default())
	defer bus.Close()

	store := NewMemoryStore()
	analyzer := &fakeAnalyzer{}
	w := NewFollowUpWorker(analyzer, store, 2)

	done := make(chan ai.AnalysisKind, 2)
	for _, kind := range []ai.AnalysisKind{ai.AnalysisMistake, ai.AnalysisConcept} {
		err := bus.Subscribe(t.Context(), Topic(kind), func(ctx context.Context, payload []byte) error {
			defer func() { done <- kind }()
			return w.HandlePayload(ctx, payload)
		})
		if err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}

	sess := gradedSession(t, "s1", mixedGrader)
	sum, err := NewDeduplicator(store, NewBusQueue(bus)).Archive(t.Context(), sess)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}

	for range 2 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("follow-up jobs were not handled")
		}
	}

	for _, u := range sum.Units {
		rec, _ := store.Get(t.Context(), u.RecordID)
		want := string(ai.AnalysisConcept)
		if !u.IsCorrect {
			want = string(ai.AnalysisMistake)
		}
		if rec.Analysis != want+": "+rec.QuestionText {
			t.Errorf("unit %v analysis = %q, want %s analysis", u.Unit, rec.Analysis, want)
		}
	}
}
