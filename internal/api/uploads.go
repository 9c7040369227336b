package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dharsanguruparan/cardvault/internal/ingest"
	"github.com/dharsanguruparan/cardvault/internal/model"
	"github.com/dharsanguruparan/cardvault/internal/repository"
	"github.com/dharsanguruparan/cardvault/internal/uploadsession"
)

// tokenHeader carries the part token issued when the session began.
const tokenHeader = "X-Upload-Token"

type beginRequest struct {
	Filename   string   `json:"filename"`
	Size       int64    `json:"size"`
	Name       string   `json:"name"`
	Visibility string   `json:"visibility"`
	Tags       []string `json:"tags"`
}

func (s *Server) handleBeginUpload(w http.ResponseWriter, r *http.Request) {
	user := requireUser(w, r)
	if user == "" {
		return
	}
	var req beginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		s.fail(w, r, badRequest(errors.New("invalid JSON body")))
		return
	}
	if req.Filename == "" || req.Size <= 0 {
		s.fail(w, r, badRequest(errors.New("filename and a positive size are required")))
		return
	}
	begun, err := s.sessions.Begin(r.Context(), uploadsession.BeginRequest{
		Filename: req.Filename,
		Size:     req.Size,
		Name:     req.Name,
		Upload: ingest.Upload{
			UploaderID: user,
			Visibility: model.ParseVisibility(req.Visibility),
			Tags:       req.Tags,
		},
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, sessionResponse{
		Session: begun.Session,
		Card:    begun.Card,
		Token:   begun.Token,
	})
}

// ownedSession loads the session behind {id}. Sessions of other users are
// reported as missing.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (*model.UploadSession, bool) {
	user := requireUser(w, r)
	if user == "" {
		return nil, false
	}
	sess, err := s.sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	if sess.UploaderID != user {
		s.fail(w, r, repository.ErrNotFound)
		return nil, false
	}
	return sess, true
}

// handleGetUpload lets a client resume: the response lists the parts the
// store already acknowledged.
func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{Session: sess, Received: sess.ReceivedBytes()})
}

// handleUploadPart is authorized by the part token alone so clients can
// upload parts from anywhere the token was handed to.
func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil {
		s.fail(w, r, uploadsession.ErrInvalidPart)
		return
	}
	if limit := s.cfg.MaxSessionSize; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	part, err := s.sessions.UploadPart(r.Context(), chi.URLParam(r, "id"), n, r.Header.Get(tokenHeader), r.Body, r.ContentLength)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, part)
}

// handleCompleteUpload finalizes the session. Repeating the call after
// success returns the same outcome.
func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	out, err := s.sessions.Finalize(r.Context(), sess.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := sessionResponse{
		Session:    out.Session,
		Card:       out.Card,
		Version:    out.Version,
		Collection: out.Collection,
		Batch:      newBatchView(out.Batch),
		Received:   out.Session.ReceivedBytes(),
	}
	if out.Card != nil {
		s.scheduleMedia(r.Context(), out.Card)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAbortUpload(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Abort(r.Context(), sess.ID); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
