package grading

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/p-n-ai/pai-grader/internal/region"
)

const defaultEventBuffer = 256

// Session is the single mutable container for one grading session. All
// mutations go through its methods and are serialized by one mutex, so a
// reader never observes a half-applied update. Workers never touch the
// question tree directly; they hand results to ApplyResult.
type Session struct {
	id     string
	pages  [][]byte
	mapper *region.Mapper

	mu                sync.Mutex
	subject           string
	confidence        float64
	questions         []*Question
	annotations       []Annotation
	images            map[string]CroppedImage
	cropSources       map[string]Annotation // annotation each image was cut from
	history           [][]Annotation        // annotation states for undo
	state             State
	hasMarkedProgress bool
	generation        uint64 // bumped on revert; stale results are dropped
	running           bool
	runningGen        uint64

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSub     int
}

// NewSession creates an empty session over the given page images. An empty
// id gets a random one.
func NewSession(id string, pages [][]byte, mapper *region.Mapper) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	if mapper == nil {
		mapper = region.NewMapper(region.Options{})
	}
	return &Session{
		id:          id,
		pages:       pages,
		mapper:      mapper,
		images:      make(map[string]CroppedImage),
		cropSources: make(map[string]Annotation),
		subscribers: make(map[int]chan Event),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Pages returns the source page images. The slice must not be modified.
func (s *Session) Pages() [][]byte { return s.pages }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation returns the current result generation.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Snapshot is a deep copy of the session payload.
type Snapshot struct {
	ID                string                  `json:"id"`
	Subject           string                  `json:"subject"`
	Confidence        float64                 `json:"confidence"`
	State             State                   `json:"state"`
	HasMarkedProgress bool                    `json:"has_marked_progress"`
	Questions         []*Question             `json:"questions"`
	Annotations       []Annotation            `json:"annotations"`
	CroppedImages     map[string]CroppedImage `json:"cropped_images"`
	Grading           bool                    `json:"grading"`
}

// Snapshot returns a consistent deep copy of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ID:                s.id,
		Subject:           s.subject,
		Confidence:        s.confidence,
		State:             s.state,
		HasMarkedProgress: s.hasMarkedProgress,
		Questions:         cloneQuestions(s.questions),
		Annotations:       cloneAnnotations(s.annotations),
		CroppedImages:     make(map[string]CroppedImage, len(s.images)),
		Grading:           s.running,
	}
	for k, img := range s.images {
		img.Data = append([]byte(nil), img.Data...)
		snap.CroppedImages[k] = img
	}
	return snap
}

// SetQuestions populates the question tree and moves the session from
// nothing to parsed.
func (s *Session) SetQuestions(subject string, confidence float64, questions []*Question) error {
	if len(questions) == 0 {
		return fmt.Errorf("%w: no questions", ErrInvalidState)
	}
	if err := validateTree(questions); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateNothing {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: questions already set (state %s)", ErrInvalidState, st)
	}
	s.subject = subject
	s.confidence = confidence
	s.questions = cloneQuestions(questions)
	s.state = StateParsed
	s.recropLocked()
	s.mu.Unlock()

	slog.Info("session parsed", "session_id", s.id, "subject", subject, "questions", len(questions))
	s.publish(Event{SessionID: s.id, Kind: EventState, State: StateParsed})
	return nil
}

func validateTree(questions []*Question) error {
	seen := make(map[string]bool, len(questions))
	for _, q := range questions {
		if q == nil || q.ID == "" {
			return fmt.Errorf("question id is required")
		}
		if seen[q.ID] {
			return fmt.Errorf("duplicate question id %q", q.ID)
		}
		seen[q.ID] = true
		switch b := q.Body.(type) {
		case *Leaf:
		case *Parent:
			if _, err := NewParent(b.Subquestions); err != nil {
				return fmt.Errorf("question %s: %w", q.ID, err)
			}
		default:
			return fmt.Errorf("question %s has no body", q.ID)
		}
	}
	return nil
}

// SetCroppedImages replaces the image store wholesale. Images whose key no
// annotation references are dropped immediately.
func (s *Session) SetCroppedImages(images map[string]CroppedImage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.images = make(map[string]CroppedImage, len(images))
	s.cropSources = make(map[string]Annotation, len(images))
	for k, img := range images {
		img.Key = k
		s.images[k] = img
		for _, a := range s.annotations {
			if a.ID == img.AnnotationID {
				s.cropSources[k] = a.clone()
			}
		}
	}
	s.syncLocked()
}

// CroppedImage returns the image stored under key.
func (s *Session) CroppedImage(key string) (CroppedImage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.images[key]
	return img, ok
}

// ApplyResult merges one unit's outcome. It is the only writer of grades.
// Results from an older generation (the session was reverted since the
// request was issued) are discarded and ApplyResult returns false.
func (s *Session) ApplyResult(gen uint64, ref UnitRef, grade *Grade, err error) bool {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		slog.Debug("discarding stale result", "session_id", s.id, "question_id", ref.QuestionID, "sub_id", ref.SubID)
		return false
	}
	res, lookupErr := s.resultLocked(ref)
	if lookupErr != nil {
		s.mu.Unlock()
		slog.Warn("result for unknown unit", "session_id", s.id, "question_id", ref.QuestionID, "sub_id", ref.SubID)
		return false
	}
	res.Grading = false
	if err != nil {
		res.Err = err
	} else {
		g := *grade
		res.Grade = &g
		res.Err = nil
	}
	s.mu.Unlock()

	ev := Event{SessionID: s.id, Unit: ref, Kind: EventGraded}
	if err != nil {
		ev.Kind = EventFailed
		ev.Error = err.Error()
	} else {
		g := *grade
		ev.Grade = &g
	}
	s.publish(ev)
	return true
}

// RevertGrading clears every grade, error and loading flag, resets the
// progress mark and returns to parsed. Questions, annotations and images are
// kept. In-flight requests are not cancelled; their results will be stale.
func (s *Session) RevertGrading() error {
	s.mu.Lock()
	if s.state == StateNothing {
		s.mu.Unlock()
		return fmt.Errorf("%w: nothing to revert", ErrInvalidState)
	}
	for _, q := range s.questions {
		switch b := q.Body.(type) {
		case *Leaf:
			b.Result = UnitResult{}
		case *Parent:
			for _, sub := range b.Subquestions {
				sub.Result = UnitResult{}
			}
		}
	}
	s.hasMarkedProgress = false
	s.state = StateParsed
	s.generation++
	s.running = false
	s.mu.Unlock()

	slog.Info("grading reverted", "session_id", s.id)
	s.publish(Event{SessionID: s.id, Kind: EventState, State: StateParsed})
	return nil
}

// MarkProgress records that the graded session was counted towards the
// student's progress. It is only allowed once per grading.
func (s *Session) MarkProgress() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateGraded {
		return fmt.Errorf("%w: session is %s", ErrInvalidState, s.state)
	}
	if s.hasMarkedProgress {
		return fmt.Errorf("%w: progress already marked", ErrInvalidState)
	}
	s.hasMarkedProgress = true
	return nil
}

// Units returns every leaf unit in question order.
func (s *Session) Units() []UnitRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return unitsOf(s.questions, func(UnitResult) bool { return true })
}

// FailedUnits returns the units whose last grading attempt failed.
func (s *Session) FailedUnits() []UnitRef {
	s.mu.Lock()
	defer s.mu.Unlock()
	return unitsOf(s.questions, UnitResult.Failed)
}

func unitsOf(questions []*Question, keep func(UnitResult) bool) []UnitRef {
	var out []UnitRef
	for _, q := range questions {
		switch b := q.Body.(type) {
		case *Leaf:
			if keep(b.Result) {
				out = append(out, UnitRef{QuestionID: q.ID})
			}
		case *Parent:
			for _, sub := range b.Subquestions {
				if keep(sub.Result) {
					out = append(out, UnitRef{QuestionID: q.ID, SubID: sub.ID})
				}
			}
		}
	}
	return out
}

// Result returns a copy of the unit's grading state.
func (s *Session) Result(ref UnitRef) (UnitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.resultLocked(ref)
	if err != nil {
		return UnitResult{}, err
	}
	return r.clone(), nil
}

func (s *Session) resultLocked(ref UnitRef) (*UnitResult, error) {
	q := s.questionLocked(ref.QuestionID)
	if q == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, ref.QuestionID)
	}
	switch b := q.Body.(type) {
	case *Leaf:
		if ref.SubID != "" {
			return nil, fmt.Errorf("%w: %s has no subquestions", ErrUnknownUnit, ref.QuestionID)
		}
		return &b.Result, nil
	case *Parent:
		if ref.SubID == "" {
			return nil, fmt.Errorf("%w: %s is graded through its subquestions", ErrUnknownUnit, ref.QuestionID)
		}
		sub, ok := b.Sub(ref.SubID)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrUnknownUnit, ref.QuestionID, ref.SubID)
		}
		return &sub.Result, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, ref.QuestionID)
}

func (s *Session) questionLocked(id string) *Question {
	for _, q := range s.questions {
		if q.ID == id {
			return q
		}
	}
	return nil
}

// allTerminalLocked reports whether every leaf unit has a grade or an error.
func (s *Session) allTerminalLocked() bool {
	pending := unitsOf(s.questions, func(r UnitResult) bool {
		return r.Grading || (r.Grade == nil && r.Err == nil)
	})
	return len(pending) == 0
}

// beginRun reserves the session for one scheduler run and marks refs as
// grading. It fails when another run is active or there are no questions.
func (s *Session) beginRun(refs []UnitRef, allowGraded bool) (uint64, []unitInput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == StateNothing:
		return 0, nil, fmt.Errorf("%w: session has no questions", ErrInvalidState)
	case s.state == StateGraded && !allowGraded:
		return 0, nil, fmt.Errorf("%w: session already graded", ErrInvalidState)
	case s.running:
		return 0, nil, fmt.Errorf("%w: grading already in progress", ErrInvalidState)
	}

	inputs := make([]unitInput, 0, len(refs))
	for _, ref := range refs {
		in, err := s.inputLocked(ref)
		if err != nil {
			return 0, nil, err
		}
		inputs = append(inputs, in)
	}
	for _, ref := range refs {
		r, _ := s.resultLocked(ref)
		r.Grading = true
		r.Err = nil
	}
	s.running = true
	s.runningGen = s.generation
	return s.generation, inputs, nil
}

// endRun releases the run reservation and, if every leaf is terminal, moves
// the session to graded. A run from a reverted generation changes nothing.
func (s *Session) endRun(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || !s.running || s.runningGen != gen {
		s.mu.Unlock()
		return
	}
	s.running = false
	transitioned := false
	if s.state == StateParsed && s.allTerminalLocked() {
		s.state = StateGraded
		transitioned = true
	}
	s.mu.Unlock()

	if transitioned {
		slog.Info("session graded", "session_id", s.id)
		s.publish(Event{SessionID: s.id, Kind: EventState, State: StateGraded})
	}
}

// beginRegrade marks one unit as grading outside any scheduler run.
func (s *Session) beginRegrade(ref UnitRef) (uint64, unitInput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateNothing {
		return 0, unitInput{}, fmt.Errorf("%w: session has no questions", ErrInvalidState)
	}
	in, err := s.inputLocked(ref)
	if err != nil {
		return 0, unitInput{}, err
	}
	r, _ := s.resultLocked(ref)
	if r.Grading {
		return 0, unitInput{}, fmt.Errorf("%w: %s is being graded", ErrInvalidState, ref.Key())
	}
	r.Grading = true
	return s.generation, in, nil
}

// endRegrade replaces the unit's grade on success. On failure the previous
// grade stays in place.
func (s *Session) endRegrade(gen uint64, ref UnitRef, grade *Grade, err error) bool {
	if err == nil {
		return s.ApplyResult(gen, ref, grade, nil)
	}
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return false
	}
	if r, lookupErr := s.resultLocked(ref); lookupErr == nil {
		r.Grading = false
	}
	s.mu.Unlock()
	s.publish(Event{SessionID: s.id, Unit: ref, Kind: EventFailed, Error: err.Error()})
	return true
}

// unitInput is everything a worker needs to grade one unit, copied out of
// the session so workers hold no references into it.
type unitInput struct {
	Ref           UnitRef
	Subject       string
	Text          string
	StudentAnswer string
	Type          string
	ParentText    string
	ImageBase64   string
}

func (s *Session) inputLocked(ref UnitRef) (unitInput, error) {
	if _, err := s.resultLocked(ref); err != nil {
		return unitInput{}, err
	}
	q := s.questionLocked(ref.QuestionID)
	in := unitInput{Ref: ref, Subject: s.subject}
	if ref.SubID == "" {
		in.Text, in.StudentAnswer, in.Type = q.Text, q.StudentAnswer, q.Type
	} else {
		p, _ := q.Parent()
		sub, _ := p.Sub(ref.SubID)
		in.Text, in.StudentAnswer, in.Type = sub.Text, sub.StudentAnswer, sub.Type
		if in.Type == "" {
			in.Type = q.Type
		}
		in.ParentText = q.Text
	}
	if img, ok := s.images[ref.Key()]; ok {
		in.ImageBase64 = img.Base64()
	} else if ref.SubID != "" {
		// A crop of the whole parent is useful context for each part.
		if img, ok := s.images[ref.QuestionID]; ok {
			in.ImageBase64 = img.Base64()
		}
	}
	return in, nil
}

func cloneQuestions(qs []*Question) []*Question {
	out := make([]*Question, len(qs))
	for i, q := range qs {
		out[i] = q.clone()
	}
	return out
}

func cloneAnnotations(as []Annotation) []Annotation {
	out := make([]Annotation, len(as))
	for i, a := range as {
		out[i] = a.clone()
	}
	return out
}
