// Package grading holds one grading session and the stages that act on it:
// parsing page images into questions, attaching annotation crops, and
// grading every leaf unit with bounded concurrency.
package grading

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/p-n-ai/pai-grader/internal/region"
)

var (
	// ErrUnknownUnit is returned when a question or subquestion id does not exist.
	ErrUnknownUnit = errors.New("unknown question")
	// ErrInvalidState is returned when an operation is not allowed in the
	// session's current lifecycle state.
	ErrInvalidState = errors.New("invalid session state")
	// ErrUnknownAnnotation is returned when an annotation id does not exist.
	ErrUnknownAnnotation = errors.New("unknown annotation")
)

// State is the session lifecycle.
type State int

const (
	StateNothing State = iota
	StateParsed
	StateGraded
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateGraded:
		return "graded"
	default:
		return "nothing"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Grade is the verdict on one leaf unit. A regrade replaces it wholesale.
type Grade struct {
	Score         float64 `json:"score"`
	IsCorrect     bool    `json:"is_correct"`
	Feedback      string  `json:"feedback"`
	CorrectAnswer string  `json:"correct_answer,omitempty"`
	Confidence    float64 `json:"confidence"`
}

// Validate rejects scores or confidences outside [0,1].
func (g Grade) Validate() error {
	if g.Score < 0 || g.Score > 1 {
		return fmt.Errorf("score %v out of range", g.Score)
	}
	if g.Confidence < 0 || g.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range", g.Confidence)
	}
	return nil
}

// UnitResult is the grading state of one leaf unit.
type UnitResult struct {
	Grade   *Grade
	Err     error
	Grading bool
}

// Graded reports whether the unit has a grade.
func (r UnitResult) Graded() bool { return r.Grade != nil }

// Failed reports whether the last grading attempt ended in an error.
func (r UnitResult) Failed() bool { return r.Err != nil && !r.Grading }

func (r UnitResult) clone() UnitResult {
	if r.Grade != nil {
		g := *r.Grade
		r.Grade = &g
	}
	return r
}

func (r UnitResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Grade   *Grade `json:"grade,omitempty"`
		Error   string `json:"error,omitempty"`
		Grading bool   `json:"grading"`
	}{Grade: r.Grade, Grading: r.Grading}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// QuestionBody is either *Leaf or *Parent.
type QuestionBody interface {
	isQuestionBody()
	clone() QuestionBody
}

// Leaf is a question graded on its own.
type Leaf struct {
	Result UnitResult
}

// NewLeaf returns an ungraded leaf body.
func NewLeaf() *Leaf { return &Leaf{} }

func (*Leaf) isQuestionBody() {}

func (l *Leaf) clone() QuestionBody {
	return &Leaf{Result: l.Result.clone()}
}

// Subquestion is one part of a parent question. Its ID is unique within the parent.
type Subquestion struct {
	ID            string     `json:"id"`
	Text          string     `json:"text"`
	StudentAnswer string     `json:"student_answer"`
	Type          string     `json:"type,omitempty"`
	Result        UnitResult `json:"result"`
}

// Parent is a question whose grades live on its subquestions.
type Parent struct {
	Subquestions []*Subquestion
}

// NewParent returns a parent body. It rejects an empty or duplicated
// subquestion list.
func NewParent(subs []*Subquestion) (*Parent, error) {
	if len(subs) == 0 {
		return nil, errors.New("parent question needs at least one subquestion")
	}
	seen := make(map[string]bool, len(subs))
	for _, s := range subs {
		if s.ID == "" {
			return nil, errors.New("subquestion id is required")
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate subquestion id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return &Parent{Subquestions: subs}, nil
}

func (*Parent) isQuestionBody() {}

func (p *Parent) clone() QuestionBody {
	subs := make([]*Subquestion, len(p.Subquestions))
	for i, s := range p.Subquestions {
		cp := *s
		cp.Result = s.Result.clone()
		subs[i] = &cp
	}
	return &Parent{Subquestions: subs}
}

// Sub returns the subquestion with the given id.
func (p *Parent) Sub(id string) (*Subquestion, bool) {
	for _, s := range p.Subquestions {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Aggregate returns the mean score of the graded subquestions and how many
// were graded.
func (p *Parent) Aggregate() (score float64, graded int) {
	var sum float64
	for _, s := range p.Subquestions {
		if s.Result.Grade != nil {
			sum += s.Result.Grade.Score
			graded++
		}
	}
	if graded == 0 {
		return 0, 0
	}
	return sum / float64(graded), graded
}

// ImageRegion is a parse-suggested area of the page the question refers to.
type ImageRegion struct {
	region.Rect
	Description string `json:"description,omitempty"`
}

// Question is one top-level question of a session.
type Question struct {
	ID            string
	Number        string
	Text          string
	StudentAnswer string
	Type          string
	ImageRegion   *ImageRegion
	PageIndex     int
	Body          QuestionBody
}

// Leaf returns the leaf body if the question is graded on its own.
func (q *Question) Leaf() (*Leaf, bool) {
	l, ok := q.Body.(*Leaf)
	return l, ok
}

// Parent returns the parent body if the question has subquestions.
func (q *Question) Parent() (*Parent, bool) {
	p, ok := q.Body.(*Parent)
	return p, ok
}

func (q *Question) clone() *Question {
	cp := *q
	if q.ImageRegion != nil {
		r := *q.ImageRegion
		cp.ImageRegion = &r
	}
	if q.Body != nil {
		cp.Body = q.Body.clone()
	}
	return &cp
}

func (q *Question) MarshalJSON() ([]byte, error) {
	out := struct {
		ID            string         `json:"id"`
		Number        string         `json:"number"`
		Text          string         `json:"text"`
		StudentAnswer string         `json:"student_answer,omitempty"`
		Type          string         `json:"type,omitempty"`
		ImageRegion   *ImageRegion   `json:"image_region,omitempty"`
		PageIndex     int            `json:"page_index"`
		IsParent      bool           `json:"is_parent"`
		Result        *UnitResult    `json:"result,omitempty"`
		Subquestions  []*Subquestion `json:"subquestions,omitempty"`
	}{
		ID:            q.ID,
		Number:        q.Number,
		Text:          q.Text,
		StudentAnswer: q.StudentAnswer,
		Type:          q.Type,
		ImageRegion:   q.ImageRegion,
		PageIndex:     q.PageIndex,
	}
	switch b := q.Body.(type) {
	case *Leaf:
		out.Result = &b.Result
	case *Parent:
		out.IsParent = true
		out.Subquestions = b.Subquestions
	}
	return json.Marshal(out)
}

// UnitRef names one leaf unit: a leaf question, or one subquestion of a parent.
type UnitRef struct {
	QuestionID string `json:"question_id"`
	SubID      string `json:"sub_id,omitempty"`
}

// Key is the key the unit's cropped image is stored under.
func (u UnitRef) Key() string {
	if u.SubID == "" {
		return u.QuestionID
	}
	return SubKey(u.QuestionID, u.SubID)
}

// SubKey is the image key of a subquestion. Subquestion ids are only unique
// within their parent, so the key is qualified by the question id.
func SubKey(questionID, subID string) string {
	return questionID + "/" + subID
}

// Annotation is a user-drawn rectangle on a page, optionally attached to a
// question by its printed number.
type Annotation struct {
	ID             string       `json:"id"`
	TopLeft        region.Point `json:"top_left"`
	BottomRight    region.Point `json:"bottom_right"`
	QuestionNumber *string      `json:"question_number,omitempty"`
	PageIndex      int          `json:"page_index"`
	ColorIndex     int          `json:"color_index"`
}

// Rect returns the annotation's rectangle.
func (a Annotation) Rect() region.Rect {
	return region.Rect{TopLeft: a.TopLeft, BottomRight: a.BottomRight}
}

func (a Annotation) clone() Annotation {
	if a.QuestionNumber != nil {
		n := *a.QuestionNumber
		a.QuestionNumber = &n
	}
	return a
}

// CroppedImage is the JPEG crop of an annotation, keyed by the unit it belongs to.
type CroppedImage struct {
	Key          string `json:"key"`
	Data         []byte `json:"-"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AnnotationID string `json:"annotation_id"`
}

// Base64 returns the standard base64 encoding of the JPEG data.
func (c CroppedImage) Base64() string {
	return base64.StdEncoding.EncodeToString(c.Data)
}
