package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/p-n-ai/pai-grader/internal/resilient"
)

// Logical endpoints, one circuit breaker each.
const (
	EndpointParse    = "ai.parse"
	EndpointGrade    = "ai.grade"
	EndpointAnalysis = "ai.analysis"
)

// Depth selects how thoroughly a unit is graded.
type Depth int

const (
	DepthStandard Depth = iota
	DepthDeep
)

func (d Depth) String() string {
	if d == DepthDeep {
		return "deep"
	}
	return "standard"
}

// ParseRequest carries the page images of one submission.
type ParseRequest struct {
	Pages       []Image
	SubjectHint string
}

// Point is a normalized page coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ParsedRegion is a parse-suggested visual context rectangle.
type ParsedRegion struct {
	TopLeft     Point  `json:"top_left"`
	BottomRight Point  `json:"bottom_right"`
	Description string `json:"description,omitempty"`
}

// ParsedSubquestion is one part of a parsed parent question.
type ParsedSubquestion struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	StudentAnswer string `json:"student_answer"`
	Type          string `json:"type,omitempty"`
}

// ParsedQuestion is the wire shape of a parsed question.
type ParsedQuestion struct {
	ID            string              `json:"id,omitempty"`
	Number        string              `json:"number"`
	Text          string              `json:"text"`
	StudentAnswer string              `json:"student_answer"`
	Type          string              `json:"type,omitempty"`
	IsParent      bool                `json:"is_parent"`
	Subquestions  []ParsedSubquestion `json:"subquestions,omitempty"`
	ImageRegion   *ParsedRegion       `json:"image_region,omitempty"`
	PageIndex     int                 `json:"page_index"`
}

// ParseResponse is the result of the parse call.
type ParseResponse struct {
	Subject    string           `json:"subject"`
	Confidence float64          `json:"confidence"`
	Questions  []ParsedQuestion `json:"questions"`
}

// GradeRequest is the input of the grade call.
type GradeRequest struct {
	QuestionText          string
	StudentAnswer         string
	Subject               string
	QuestionType          string
	ContextImageBase64    string
	ParentQuestionContent string
	Depth                 Depth
}

// Grade is the grader's verdict on one unit.
type Grade struct {
	Score         float64 `json:"score"`
	IsCorrect     bool    `json:"is_correct"`
	Feedback      string  `json:"feedback"`
	CorrectAnswer string  `json:"correct_answer,omitempty"`
	Confidence    float64 `json:"confidence"`
}

// GradeResponse is the result of the grade call.
type GradeResponse struct {
	Success bool   `json:"success"`
	Grade   *Grade `json:"grade,omitempty"`
	Error   string `json:"error,omitempty"`
}

// AnalysisKind distinguishes the two follow-up analyses.
type AnalysisKind string

const (
	AnalysisMistake AnalysisKind = "error_analysis"
	AnalysisConcept AnalysisKind = "concept_extraction"
)

// AnalysisRequest asks for a follow-up analysis of one archived answer.
type AnalysisRequest struct {
	Kind          AnalysisKind
	Subject       string
	QuestionText  string
	StudentAnswer string
	Feedback      string
}

// AnalysisResult is the follow-up analysis output.
type AnalysisResult struct {
	Summary  string   `json:"summary"`
	Concepts []string `json:"concepts,omitempty"`
}

// ServiceConfig holds Service dependencies.
type ServiceConfig struct {
	Client    *resilient.Client
	Provider  Provider
	Model     string // standard parse/grade model
	DeepModel string // model for DepthDeep; falls back to Model
	MaxTokens int
}

// Service performs the parse, grade and analysis calls through the resilient client.
type Service struct {
	client    *resilient.Client
	provider  Provider
	model     string
	deepModel string
	maxTokens int
}

// NewService creates a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("resilient client is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("AI provider is required")
	}
	deep := cfg.DeepModel
	if deep == "" {
		deep = cfg.Model
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return &Service{
		client:    cfg.Client,
		provider:  cfg.Provider,
		model:     cfg.Model,
		deepModel: deep,
		maxTokens: maxTokens,
	}, nil
}

// Model returns the model used at the given depth.
func (s *Service) Model(d Depth) string {
	if d == DepthDeep {
		return s.deepModel
	}
	return s.model
}

// Parse transcribes page images into questions. Identical submissions are
// served from the response cache.
func (s *Service) Parse(ctx context.Context, req ParseRequest) (ParseResponse, error) {
	if len(req.Pages) == 0 {
		return ParseResponse{}, resilient.ParseFailed("no pages supplied", nil)
	}

	call := resilient.Call{
		Endpoint:  EndpointParse,
		Cacheable: true,
		Params: map[string]string{
			"pages":   hashImages(req.Pages),
			"subject": req.SubjectHint,
			"model":   s.model,
		},
	}
	return resilient.Do(ctx, s.client, call, func(ctx context.Context) (ParseResponse, error) {
		resp, err := s.provider.Complete(ctx, CompletionRequest{
			Messages: []Message{
				{Role: "system", Content: buildParsePrompt(req.SubjectHint, len(req.Pages))},
				{Role: "user", Content: "Transcribe these pages.", Images: req.Pages},
			},
			Model:       s.model,
			MaxTokens:   s.maxTokens,
			Temperature: 0.1,
			JSON:        true,
			Task:        TaskParse,
		})
		if err != nil {
			return ParseResponse{}, err
		}
		return decodeParse(resp.Content)
	})
}

func decodeParse(raw string) (ParseResponse, error) {
	doc := extractJSON(raw)
	if err := validate(parseSchema, doc); err != nil {
		slog.Debug("parse response rejected", "raw", raw)
		return ParseResponse{}, resilient.ParseFailed("malformed parse response", err)
	}
	var out ParseResponse
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return ParseResponse{}, resilient.ParseFailed("malformed parse response", err)
	}
	if len(out.Questions) == 0 {
		return ParseResponse{}, resilient.ParseFailed("no questions found on page", nil)
	}
	return out, nil
}

// Grade grades one leaf unit. Transport failures come back as errors; a
// grader that declines (success false) is reported in the response.
func (s *Service) Grade(ctx context.Context, req GradeRequest) (GradeResponse, error) {
	model := s.Model(req.Depth)
	msg := Message{Role: "user", Content: buildGradePrompt(req)}
	if req.ContextImageBase64 != "" {
		msg.Images = []Image{{MediaType: "image/jpeg", Base64: req.ContextImageBase64}}
	}

	call := resilient.Call{Endpoint: EndpointGrade + ":" + model}
	return resilient.Do(ctx, s.client, call, func(ctx context.Context) (GradeResponse, error) {
		resp, err := s.provider.Complete(ctx, CompletionRequest{
			Messages:    []Message{msg},
			Model:       model,
			MaxTokens:   1024,
			Temperature: 0.1,
			JSON:        true,
			Task:        TaskGrading,
		})
		if err != nil {
			return GradeResponse{}, err
		}
		return decodeGrade(resp.Content)
	})
}

func decodeGrade(raw string) (GradeResponse, error) {
	doc := extractJSON(raw)
	if err := validate(gradeSchema, doc); err != nil {
		slog.Debug("grade response rejected", "raw", raw)
		return GradeResponse{}, resilient.GradeFailed("malformed grade response", err)
	}
	var out GradeResponse
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		return GradeResponse{}, resilient.GradeFailed("malformed grade response", err)
	}
	if out.Success && out.Grade == nil {
		return GradeResponse{}, resilient.GradeFailed("success without grade", nil)
	}
	return out, nil
}

// Analyze runs a follow-up analysis. Results are cached by content.
func (s *Service) Analyze(ctx context.Context, req AnalysisRequest) (AnalysisResult, error) {
	call := resilient.Call{
		Endpoint:  EndpointAnalysis,
		Cacheable: true,
		Params: map[string]string{
			"kind":    string(req.Kind),
			"subject": req.Subject,
			"text":    req.QuestionText,
			"answer":  req.StudentAnswer,
		},
	}
	return resilient.Do(ctx, s.client, call, func(ctx context.Context) (AnalysisResult, error) {
		resp, err := s.provider.Complete(ctx, CompletionRequest{
			Messages:    []Message{{Role: "user", Content: buildAnalysisPrompt(req)}},
			Model:       s.model,
			MaxTokens:   512,
			Temperature: 0.3,
			JSON:        true,
			Task:        TaskAnalysis,
		})
		if err != nil {
			return AnalysisResult{}, err
		}
		doc := extractJSON(resp.Content)
		if err := validate(analysisSchema, doc); err != nil {
			return AnalysisResult{}, resilient.ParseFailed("malformed analysis response", err)
		}
		var out AnalysisResult
		if err := json.Unmarshal([]byte(doc), &out); err != nil {
			return AnalysisResult{}, resilient.ParseFailed("malformed analysis response", err)
		}
		return out, nil
	})
}

func hashImages(images []Image) string {
	h := sha256.New()
	for _, img := range images {
		h.Write([]byte(img.MediaType))
		h.Write([]byte{0})
		h.Write([]byte(img.Base64))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
