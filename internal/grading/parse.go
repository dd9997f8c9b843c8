package grading

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/p-n-ai/pai-grader/internal/ai"
	"github.com/p-n-ai/pai-grader/internal/region"
	"github.com/p-n-ai/pai-grader/internal/resilient"
)

// Parser is the remote parse call.
type Parser interface {
	Parse(ctx context.Context, req ai.ParseRequest) (ai.ParseResponse, error)
}

// ParseResult is a parsed submission, either fresh from the parse call or
// supplied by the caller.
type ParseResult struct {
	Subject    string
	Confidence float64
	Questions  []*Question
}

// ParseStage turns page images into the session's question tree.
type ParseStage struct {
	parser Parser
}

// NewParseStage creates a ParseStage.
func NewParseStage(p Parser) *ParseStage {
	return &ParseStage{parser: p}
}

// Parse calls the parse endpoint with the session's pages and populates the
// session. On failure the session is left untouched and the error is a
// ParseFailed (or the transport error that prevented parsing).
func (p *ParseStage) Parse(ctx context.Context, sess *Session, subjectHint string) (ParseResult, error) {
	pages := sess.Pages()
	if len(pages) == 0 {
		return ParseResult{}, resilient.ParseFailed("no pages supplied", nil)
	}

	images := make([]ai.Image, len(pages))
	for i, page := range pages {
		images[i] = ai.Image{
			MediaType: http.DetectContentType(page),
			Base64:    base64.StdEncoding.EncodeToString(page),
		}
	}

	resp, err := p.parser.Parse(ctx, ai.ParseRequest{Pages: images, SubjectHint: subjectHint})
	if err != nil {
		slog.Warn("parse failed", "session_id", sess.ID(), "error", err)
		return ParseResult{}, err
	}

	res, err := FromParsed(resp)
	if err != nil {
		return ParseResult{}, resilient.ParseFailed("invalid question tree", err)
	}
	if res.Subject == "" {
		res.Subject = subjectHint
	}
	if err := p.Supply(sess, res); err != nil {
		return ParseResult{}, err
	}
	return res, nil
}

// Supply populates the session from an already-parsed result, bypassing the
// parse call. Questions with a suggested image region get an annotation so
// their crop is available as grading context.
func (p *ParseStage) Supply(sess *Session, res ParseResult) error {
	if err := sess.SetQuestions(res.Subject, res.Confidence, res.Questions); err != nil {
		return err
	}
	if n := sess.seedRegionAnnotations(); n > 0 {
		slog.Debug("seeded region annotations", "session_id", sess.ID(), "count", n)
	}
	return nil
}

// FromParsed converts the wire response into the question tree. Missing ids
// are derived from the question position, duplicates are suffixed, and a
// parent without subquestions is demoted to a leaf.
func FromParsed(resp ai.ParseResponse) (ParseResult, error) {
	if len(resp.Questions) == 0 {
		return ParseResult{}, fmt.Errorf("no questions")
	}

	res := ParseResult{Subject: strings.TrimSpace(resp.Subject), Confidence: resp.Confidence}
	used := make(map[string]bool, len(resp.Questions))
	for i, pq := range resp.Questions {
		id := strings.TrimSpace(pq.ID)
		if id == "" {
			id = "q" + strconv.Itoa(i+1)
		}
		for base, n := id, 2; used[id]; n++ {
			id = base + "-" + strconv.Itoa(n)
		}
		used[id] = true

		number := strings.TrimSpace(pq.Number)
		if number == "" {
			number = strconv.Itoa(i + 1)
		}

		q := &Question{
			ID:            id,
			Number:        number,
			Text:          pq.Text,
			StudentAnswer: pq.StudentAnswer,
			Type:          pq.Type,
			PageIndex:     pq.PageIndex,
		}
		if r := pq.ImageRegion; r != nil {
			q.ImageRegion = &ImageRegion{
				Rect: region.Rect{
					TopLeft:     region.Point{X: r.TopLeft.X, Y: r.TopLeft.Y},
					BottomRight: region.Point{X: r.BottomRight.X, Y: r.BottomRight.Y},
				},
				Description: r.Description,
			}
		}

		if pq.IsParent && len(pq.Subquestions) > 0 {
			subs := make([]*Subquestion, len(pq.Subquestions))
			for j, ps := range pq.Subquestions {
				subID := strings.TrimSpace(ps.ID)
				if subID == "" {
					subID = string(rune('a' + j%26))
				}
				subs[j] = &Subquestion{ID: subID, Text: ps.Text, StudentAnswer: ps.StudentAnswer, Type: ps.Type}
			}
			parent, err := NewParent(subs)
			if err != nil {
				return ParseResult{}, fmt.Errorf("question %s: %w", number, err)
			}
			q.Body = parent
		} else {
			q.Body = NewLeaf()
		}
		res.Questions = append(res.Questions, q)
	}
	return res, nil
}
