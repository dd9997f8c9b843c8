package httpapi

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/p-n-ai/pai-grader/internal/ai"
	"github.com/p-n-ai/pai-grader/internal/grading"
	"github.com/p-n-ai/pai-grader/internal/report"
)

// createRequest is the JSON form of POST /sessions. With Parsed set the
// parse call is skipped; otherwise Pages are parsed.
type createRequest struct {
	SubjectHint string            `json:"subject_hint"`
	Pages       [][]byte          `json:"pages"`
	Parsed      *ai.ParseResponse `json:"parsed,omitempty"`
}

// handleCreateSession accepts either a multipart upload (one or more "page"
// files plus an optional "subject" field) or a JSON createRequest.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		pages, subject, err := readUpload(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Pages, req.SubjectHint = pages, subject
	default:
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	if req.Parsed == nil && len(req.Pages) == 0 {
		writeError(w, http.StatusBadRequest, "pages or parsed questions are required")
		return
	}
	if req.Parsed == nil && s.deps.Parser == nil {
		writeError(w, http.StatusNotImplemented, "parsing is not configured")
		return
	}

	sess := grading.NewSession("", req.Pages, s.deps.Mapper)
	if req.Parsed != nil {
		res, err := grading.FromParsed(*req.Parsed)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid questions: "+err.Error())
			return
		}
		if res.Subject == "" {
			res.Subject = req.SubjectHint
		}
		if err := s.parse.Supply(sess, res); err != nil {
			writeErr(w, err)
			return
		}
	} else {
		if _, err := s.parse.Parse(r.Context(), sess, req.SubjectHint); err != nil {
			writeErr(w, err)
			return
		}
	}

	s.registry.Add(sess)
	slog.Info("session created",
		"session_id", sess.ID(),
		"pages", len(req.Pages),
		"preparsed", req.Parsed != nil,
	)
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func readUpload(r *http.Request) ([][]byte, string, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, "", fmt.Errorf("invalid upload: %w", err)
	}
	var pages [][]byte
	for _, fh := range r.MultipartForm.File["page"] {
		f, err := fh.Open()
		if err != nil {
			return nil, "", fmt.Errorf("reading %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, "", fmt.Errorf("reading %s: %w", fh.Filename, err)
		}
		pages = append(pages, data)
	}
	return pages, r.FormValue("subject"), nil
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, sess *grading.Session) {
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.registry.Remove(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request, sess *grading.Session) {
	img, ok := sess.CroppedImage(r.PathValue("key"))
	if !ok {
		writeError(w, http.StatusNotFound, "image not found")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(img.Data)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, sess *grading.Session) {
	var buf bytes.Buffer
	if err := report.WriteXLSX(&buf, sess.Snapshot()); err != nil {
		slog.Error("report export failed", "session_id", sess.ID(), "error", err)
		writeError(w, http.StatusInternalServerError, "report export failed")
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="grades-%s.xlsx"`, sess.ID()))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request, sess *grading.Session) {
	if s.deps.Archive == nil {
		writeError(w, http.StatusNotImplemented, "archive is not configured")
		return
	}
	sum, err := s.deps.Archive.Archive(r.Context(), sess)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
