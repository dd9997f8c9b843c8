package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/p-n-ai/pai-grader/internal/ai"
	"github.com/p-n-ai/pai-grader/internal/grading"
)

// handleGrade starts grading every unit. By default the run continues in the
// background and progress is reported on the events stream; with ?wait=true
// the response is sent once every unit has a result.
func (s *Server) handleGrade(w http.ResponseWriter, r *http.Request, sess *grading.Session) {
	snap := sess.Snapshot()
	if snap.State != grading.StateParsed || snap.Grading {
		writeError(w, http.StatusConflict, "session is not ready for grading (state "+snap.State.String()+")")
		return
	}
	s.startRun(w, r, sess, s.deps.Scheduler.GradeAll)
}

// handleRetry re-runs the units whose last attempt failed.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request, sess *grading.Session) {
	if len(sess.FailedUnits()) == 0 {
		writeJSON(w, http.StatusOK, sess.Snapshot())
		return
	}
	if sess.Snapshot().Grading {
		writeError(w, http.StatusConflict, "grading already in progress")
		return
	}
	s.startRun(w, r, sess, s.deps.Scheduler.RetryFailed)
}

type runFunc func(ctx context.Context, sess *grading.Session, limit int) error

func (s *Server) startRun(w http.ResponseWriter, r *http.Request, sess *grading.Session, run runFunc) {
	if r.URL.Query().Get("wait") == "true" {
		if err := run(r.Context(), sess, s.deps.Concurrency); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sess.Snapshot())
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(s.ctx, sess, s.deps.Concurrency); err != nil {
			slog.Warn("background grading run rejected", "session_id", sess.ID(), "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "grading", "session_id": sess.ID()})
}

type regradeRequest struct {
	QuestionID string `json:"question_id"`
	SubID      string `json:"sub_id"`
	Depth      string `json:"depth"`
}

func (s *Server) handleRegrade(w http.ResponseWriter, r *http.Request, sess *grading.Session) {
	var req regradeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.QuestionID == "" {
		writeError(w, http.StatusBadRequest, "question_id is required")
		return
	}
	depth := ai.DepthDeep
	if req.Depth == "standard" {
		depth = ai.DepthStandard
	}

	g, err := s.deps.Scheduler.Regrade(r.Context(), sess, grading.UnitRef{QuestionID: req.QuestionID, SubID: req.SubID}, depth)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request, sess *grading.Session) {
	if err := sess.RevertGrading(); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request, sess *grading.Session) {
	if err := sess.MarkProgress(); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}
