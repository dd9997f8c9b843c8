package archive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/p-n-ai/pai-grader/internal/ai"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("archive record not found")

// Record is one archived leaf unit.
type Record struct {
	ID            string    `json:"id"`
	ContentHash   string    `json:"content_hash"`
	SessionID     string    `json:"session_id"`
	Subject       string    `json:"subject"`
	QuestionText  string    `json:"question_text"`
	StudentAnswer string    `json:"student_answer"`
	IsCorrect     bool      `json:"is_correct"`
	GradeSummary  string    `json:"grade_summary"`
	ImagePath     string    `json:"image_path,omitempty"`
	ParentID      string    `json:"parent_id,omitempty"`
	ParentText    string    `json:"parent_text,omitempty"`
	Analysis      string    `json:"analysis,omitempty"`
	Concepts      []string  `json:"concepts,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Store persists archive records keyed by content hash.
type Store interface {
	// Insert stores rec unless a record with the same ContentHash exists, in
	// which case the existing id is returned with created == false.
	Insert(ctx context.Context, rec Record) (id string, created bool, err error)
	Get(ctx context.Context, id string) (Record, error)
	FindByHash(ctx context.Context, hash string) (Record, bool, error)
	// SetAnalysis attaches a follow-up analysis to a record.
	SetAnalysis(ctx context.Context, id string, res ai.AnalysisResult) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	byHash  map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		byHash:  make(map[string]string),
	}
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) (string, bool, error) {
	if rec.ContentHash == "" {
		return "", false, fmt.Errorf("content hash is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byHash[rec.ContentHash]; ok {
		return id, false, nil
	}
	rec.ID = uuid.NewString()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.Concepts = append([]string(nil), rec.Concepts...)
	s.records[rec.ID] = &rec
	s.byHash[rec.ContentHash] = rec.ID
	return rec.ID, true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) FindByHash(_ context.Context, hash string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[hash]
	if !ok {
		return Record{}, false, nil
	}
	return copyRecord(s.records[id]), true, nil
}

func (s *MemoryStore) SetAnalysis(_ context.Context, id string, res ai.AnalysisResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.Analysis = res.Summary
	rec.Concepts = append([]string(nil), res.Concepts...)
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func copyRecord(r *Record) Record {
	out := *r
	out.Concepts = append([]string(nil), r.Concepts...)
	return out
}
