package ai

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const parseSchemaJSON = `{
  "type": "object",
  "required": ["questions"],
  "properties": {
    "subject": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "questions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["text"],
        "properties": {
          "id": {"type": "string"},
          "number": {"type": "string"},
          "text": {"type": "string"},
          "student_answer": {"type": "string"},
          "type": {"type": "string"},
          "is_parent": {"type": "boolean"},
          "page_index": {"type": "integer", "minimum": 0},
          "subquestions": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["id", "text"],
              "properties": {
                "id": {"type": "string"},
                "text": {"type": "string"},
                "student_answer": {"type": "string"},
                "type": {"type": "string"}
              }
            }
          },
          "image_region": {
            "type": ["object", "null"],
            "required": ["top_left", "bottom_right"],
            "properties": {
              "top_left": {"$ref": "#/definitions/point"},
              "bottom_right": {"$ref": "#/definitions/point"},
              "description": {"type": "string"}
            }
          }
        }
      }
    }
  },
  "definitions": {
    "point": {
      "type": "object",
      "required": ["x", "y"],
      "properties": {
        "x": {"type": "number", "minimum": 0, "maximum": 1},
        "y": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }
  }
}`

const gradeSchemaJSON = `{
  "type": "object",
  "required": ["success"],
  "properties": {
    "success": {"type": "boolean"},
    "error": {"type": "string"},
    "grade": {
      "type": "object",
      "required": ["score", "is_correct", "feedback"],
      "properties": {
        "score": {"type": "number", "minimum": 0, "maximum": 1},
        "is_correct": {"type": "boolean"},
        "feedback": {"type": "string"},
        "correct_answer": {"type": "string"},
        "confidence": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }
  }
}`

const analysisSchemaJSON = `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string"},
    "concepts": {"type": "array", "items": {"type": "string"}}
  }
}`

var (
	parseSchema    = mustSchema(parseSchemaJSON)
	gradeSchema    = mustSchema(gradeSchemaJSON)
	analysisSchema = mustSchema(analysisSchemaJSON)
)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return s
}

// validate checks doc against schema and flattens the violations into one error.
func validate(schema *gojsonschema.Schema, doc string) error {
	res, err := schema.Validate(gojsonschema.NewStringLoader(doc))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema violation: %s", strings.Join(msgs, "; "))
}

// extractJSON strips markdown fences and surrounding prose from a model reply.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return strings.TrimSpace(s)
	}
	return s[start : end+1]
}
