package ai

import (
	"fmt"
	"strings"
)

func buildParsePrompt(subjectHint string, pages int) string {
	var sb strings.Builder
	sb.WriteString("You read photographed pages of handwritten homework and transcribe them into questions.\n\n")
	if subjectHint != "" {
		sb.WriteString("SUBJECT HINT: " + subjectHint + "\n")
	}
	sb.WriteString(fmt.Sprintf("PAGES: %d (page_index is zero-based in the order given)\n\n", pages))
	sb.WriteString("INSTRUCTIONS:\n")
	sb.WriteString("- Transcribe every question and the student's answer exactly as written.\n")
	sb.WriteString("- A question with lettered or numbered parts is a parent: set is_parent true and list the parts as subquestions. A parent has no answer of its own.\n")
	sb.WriteString("- If a question relies on a diagram, graph or figure, give its bounding box as image_region with coordinates normalized to 0..1 of the page.\n")
	sb.WriteString("- Give number as a string exactly as printed (\"1\", \"2b\", \"IV\").\n")
	sb.WriteString("\nRespond ONLY with a JSON object:\n")
	sb.WriteString(`{"subject": "<subject>", "confidence": <0..1>, "questions": [{"id": "<id>", "number": "<label>", "text": "<question>", "student_answer": "<answer>", "type": "<kind>", "is_parent": <bool>, "subquestions": [{"id": "<a>", "text": "...", "student_answer": "...", "type": "..."}], "image_region": {"top_left": {"x": 0, "y": 0}, "bottom_right": {"x": 1, "y": 1}, "description": "..."}, "page_index": 0}]}`)
	sb.WriteString("\n")
	return sb.String()
}

func buildGradePrompt(req GradeRequest) string {
	var sb strings.Builder
	sb.WriteString("You are a homework grader. Grade the student's answer to the question below.\n\n")
	if req.Subject != "" {
		sb.WriteString("SUBJECT: " + req.Subject + "\n")
	}
	if req.QuestionType != "" {
		sb.WriteString("QUESTION TYPE: " + req.QuestionType + "\n")
	}
	if req.ParentQuestionContent != "" {
		sb.WriteString("\nThis is one part of a larger question. PARENT QUESTION:\n" + req.ParentQuestionContent + "\n")
	}
	sb.WriteString("\nQUESTION: " + req.QuestionText + "\n\n")
	sb.WriteString("STUDENT ANSWER: " + req.StudentAnswer + "\n\n")
	if req.ContextImageBase64 != "" {
		sb.WriteString("The attached image shows the region of the page this question refers to.\n\n")
	}

	sb.WriteString("INSTRUCTIONS:\n")
	sb.WriteString("- score is a number from 0 to 1; is_correct is true only for a fully correct answer.\n")
	sb.WriteString("- confidence is how sure you are of the verdict, 0 to 1.\n")
	sb.WriteString("- If the answer is wrong, give the correct answer and say briefly where the student went wrong.\n")
	if req.Depth == DepthDeep {
		sb.WriteString("- Grade strictly: re-derive the answer step by step before deciding, and check every intermediate step the student wrote.\n")
	}
	sb.WriteString("- If the question or answer cannot be read, set success to false and explain in error.\n")
	sb.WriteString("\nRespond ONLY with a JSON object:\n")
	sb.WriteString(`{"success": true, "grade": {"score": <0..1>, "is_correct": <bool>, "feedback": "<feedback>", "correct_answer": "<answer or empty>", "confidence": <0..1>}, "error": ""}`)
	sb.WriteString("\n")
	return sb.String()
}

func buildAnalysisPrompt(req AnalysisRequest) string {
	var sb strings.Builder
	switch req.Kind {
	case AnalysisMistake:
		sb.WriteString("A student answered this homework question incorrectly. Explain the underlying misconception in two or three sentences and name the concepts they need to review.\n\n")
	default:
		sb.WriteString("A student answered this homework question correctly. Name the concepts the question exercises.\n\n")
	}
	if req.Subject != "" {
		sb.WriteString("SUBJECT: " + req.Subject + "\n")
	}
	sb.WriteString("QUESTION: " + req.QuestionText + "\n")
	sb.WriteString("STUDENT ANSWER: " + req.StudentAnswer + "\n")
	if req.Feedback != "" {
		sb.WriteString("GRADER FEEDBACK: " + req.Feedback + "\n")
	}
	sb.WriteString("\nRespond ONLY with a JSON object:\n")
	sb.WriteString(`{"summary": "<summary>", "concepts": ["<concept>"]}`)
	sb.WriteString("\n")
	return sb.String()
}
