// Package report exports graded sessions as spreadsheets.
package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/p-n-ai/pai-grader/internal/grading"
)

const (
	gradesSheet  = "Grades"
	summarySheet = "Summary"
)

var gradeHeader = []any{"Number", "Question", "Student answer", "Score", "Correct", "Feedback", "Correct answer", "Status"}

// Totals are the session-level figures on the summary sheet.
type Totals struct {
	Units     int
	Graded    int
	Correct   int
	Failed    int
	MeanScore float64
}

// Summarize counts the leaf units of snap.
func Summarize(snap grading.Snapshot) Totals {
	var t Totals
	var sum float64
	count := func(r grading.UnitResult) {
		t.Units++
		switch {
		case r.Grade != nil:
			t.Graded++
			sum += r.Grade.Score
			if r.Grade.IsCorrect {
				t.Correct++
			}
		case r.Err != nil:
			t.Failed++
		}
	}
	for _, q := range snap.Questions {
		switch b := q.Body.(type) {
		case *grading.Leaf:
			count(b.Result)
		case *grading.Parent:
			for _, s := range b.Subquestions {
				count(s.Result)
			}
		}
	}
	if t.Graded > 0 {
		t.MeanScore = sum / float64(t.Graded)
	}
	return t
}

// WriteXLSX writes a workbook with one row per question and subquestion and
// a summary sheet.
func WriteXLSX(w io.Writer, snap grading.Snapshot) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", gradesSheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating style: %w", err)
	}

	if err := f.SetSheetRow(gradesSheet, "A1", &gradeHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	if err := f.SetRowStyle(gradesSheet, 1, 1, bold); err != nil {
		return fmt.Errorf("styling header: %w", err)
	}

	row := 2
	put := func(values []any) error {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		row++
		return f.SetSheetRow(gradesSheet, cell, &values)
	}

	for _, q := range snap.Questions {
		switch b := q.Body.(type) {
		case *grading.Leaf:
			if err := put(unitRow(q.Number, q.Text, q.StudentAnswer, b.Result)); err != nil {
				return fmt.Errorf("writing question %s: %w", q.ID, err)
			}
		case *grading.Parent:
			score, graded := b.Aggregate()
			parentRow := []any{q.Number, q.Text, "", nil, nil, "", "", fmt.Sprintf("%d/%d graded", graded, len(b.Subquestions))}
			if graded > 0 {
				parentRow[3] = score
			}
			if err := put(parentRow); err != nil {
				return fmt.Errorf("writing question %s: %w", q.ID, err)
			}
			for _, s := range b.Subquestions {
				if err := put(unitRow(q.Number+s.ID, s.Text, s.StudentAnswer, s.Result)); err != nil {
					return fmt.Errorf("writing question %s/%s: %w", q.ID, s.ID, err)
				}
			}
		}
	}
	_ = f.SetColWidth(gradesSheet, "B", "C", 40)
	_ = f.SetColWidth(gradesSheet, "F", "F", 50)

	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("creating summary sheet: %w", err)
	}
	t := Summarize(snap)
	summary := [][]any{
		{"Session", snap.ID},
		{"Subject", snap.Subject},
		{"State", snap.State.String()},
		{"Units", t.Units},
		{"Graded", t.Graded},
		{"Correct", t.Correct},
		{"Failed", t.Failed},
		{"Mean score", t.MeanScore},
	}
	for i, values := range summary {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &values); err != nil {
			return fmt.Errorf("writing summary: %w", err)
		}
	}
	_ = f.SetColStyle(summarySheet, "A", bold)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func unitRow(number, text, answer string, r grading.UnitResult) []any {
	row := []any{number, text, answer, nil, nil, "", "", status(r)}
	if g := r.Grade; g != nil {
		row[3] = g.Score
		row[4] = g.IsCorrect
		row[5] = g.Feedback
		row[6] = g.CorrectAnswer
	}
	return row
}

func status(r grading.UnitResult) string {
	switch {
	case r.Grading:
		return "grading"
	case r.Grade != nil:
		return "graded"
	case r.Err != nil:
		return "failed: " + r.Err.Error()
	default:
		return "pending"
	}
}
