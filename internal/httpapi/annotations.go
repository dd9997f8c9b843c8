package httpapi

import (
	"net/http"

	"github.com/p-n-ai/pai-grader/internal/grading"
)

func (s *Server) handleSetAnnotations(w http.ResponseWriter, r *http.Request, sess *grading.Session) {
	var anns []grading.Annotation
	if !decodeJSON(w, r, &anns) {
		return
	}
	sess.SetAnnotations(anns)
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleAddAnnotation(w http.ResponseWriter, r *http.Request, sess *grading.Session) {
	var a grading.Annotation
	if !decodeJSON(w, r, &a) {
		return
	}
	writeJSON(w, http.StatusCreated, sess.AddAnnotation(a))
}

type retargetRequest struct {
	QuestionNumber *string `json:"question_number"`
}

func (s *Server) handleRetargetAnnotation(w http.ResponseWriter, r *http.Request, sess *grading.Session) {
	var req retargetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := sess.RetargetAnnotation(r.PathValue("aid"), req.QuestionNumber); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDeleteAnnotation(w http.ResponseWriter, r *http.Request, sess *grading.Session) {
	if err := sess.DeleteAnnotation(r.PathValue("aid")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUndoAnnotation(w http.ResponseWriter, r *http.Request, sess *grading.Session) {
	if !sess.UndoAnnotation() {
		writeError(w, http.StatusConflict, "nothing to undo")
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleResetAnnotations(w http.ResponseWriter, r *http.Request, sess *grading.Session) {
	sess.ResetAnnotations()
	writeJSON(w, http.StatusOK, sess.Snapshot())
}
