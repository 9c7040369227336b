package api

import (
	"errors"
	"net/http"

	"github.com/dharsanguruparan/cardvault/internal/blobstore"
	"github.com/dharsanguruparan/cardvault/internal/collection"
	"github.com/dharsanguruparan/cardvault/internal/intake"
	"github.com/dharsanguruparan/cardvault/internal/repository"
	"github.com/dharsanguruparan/cardvault/internal/router"
	"github.com/dharsanguruparan/cardvault/internal/signing"
	"github.com/dharsanguruparan/cardvault/internal/uploadsession"
	"github.com/dharsanguruparan/cardvault/internal/versioning"
)

var (
	errTooLarge  = errors.New("file exceeds the size limit")
	errEmptyFile = errors.New("empty file")
	errNoFile    = errors.New(`multipart field "file" is required`)
	errForbidden = errors.New("not the owner of this resource")
)

// apiError is the single error shape the handlers write.
type apiError struct {
	Status int
	Code   string
	Err    error
}

func (e *apiError) Error() string { return e.Err.Error() }

func (e *apiError) Unwrap() error { return e.Err }

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func badRequest(err error) *apiError {
	return &apiError{Status: http.StatusBadRequest, Code: "bad_request", Err: err}
}

// errorMapping is checked in order; the first match wins. Finalize failures
// come before the causes they wrap.
var errorMapping = []struct {
	target error
	status int
	code   string
}{
	{uploadsession.ErrFinalizeFailed, http.StatusUnprocessableEntity, "finalize_failed"},
	{uploadsession.ErrFinalizeInProgress, http.StatusConflict, "finalize_in_progress"},
	{uploadsession.ErrSessionClosed, http.StatusConflict, "session_closed"},
	{uploadsession.ErrTooLarge, http.StatusRequestEntityTooLarge, "too_large"},
	{uploadsession.ErrInvalidPart, http.StatusBadRequest, "invalid_part"},
	{router.ErrUnrecognizedFormat, http.StatusUnsupportedMediaType, "unsupported_format"},
	{collection.ErrDuplicatePackage, http.StatusConflict, "duplicate_package"},
	{collection.ErrUpgradeUnsupported, http.StatusConflict, "upgrade_unsupported"},
	{intake.ErrPackageVersion, http.StatusBadRequest, "package_not_allowed"},
	{versioning.ErrNotReady, http.StatusConflict, "not_ready"},
	{signing.ErrExpiredToken, http.StatusForbidden, "token_expired"},
	{signing.ErrInvalidToken, http.StatusForbidden, "invalid_token"},
	{repository.ErrNotFound, http.StatusNotFound, "not_found"},
	{blobstore.ErrNotFound, http.StatusNotFound, "not_found"},
	{blobstore.ErrInvalidKey, http.StatusBadRequest, "invalid_key"},
	{repository.ErrInvalidState, http.StatusConflict, "invalid_state"},
	{errTooLarge, http.StatusRequestEntityTooLarge, "too_large"},
	{errEmptyFile, http.StatusBadRequest, "empty_file"},
	{errNoFile, http.StatusBadRequest, "missing_file"},
	{errForbidden, http.StatusForbidden, "forbidden"},
}

// toAPIError maps a service error onto a status and code. Unknown errors
// become 500 without leaking their message.
func toAPIError(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return &apiError{Status: http.StatusRequestEntityTooLarge, Code: "too_large", Err: errTooLarge}
	}
	for _, m := range errorMapping {
		if errors.Is(err, m.target) {
			return &apiError{Status: m.status, Code: m.code, Err: err}
		}
	}
	return &apiError{Status: http.StatusInternalServerError, Code: "internal", Err: err}
}

func respondError(w http.ResponseWriter, err error) {
	ae := toAPIError(err)
	var body errorBody
	body.Error.Code = ae.Code
	body.Error.Message = ae.Err.Error()
	if ae.Status == http.StatusInternalServerError {
		body.Error.Message = "internal error"
	}
	respondJSON(w, ae.Status, body)
}

// fail logs unexpected errors before writing them.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if toAPIError(err).Status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	respondError(w, err)
}
