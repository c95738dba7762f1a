package httpx

import (
	"context"
	"errors"
	"net/http"
)

// Sentinel errors domain packages wrap so the HTTP boundary can map them
// without importing every package's error set.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("duplicate entry")
	ErrConflict     = errors.New("state conflict")
	ErrGone         = errors.New("no longer actionable")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

type errorMapping struct {
	target error
	status int
	title  string
}

// Checked in order; the first match wins.
var errorMappings = []errorMapping{
	{ErrUnauthorized, http.StatusUnauthorized, "Unauthorized"},
	{ErrForbidden, http.StatusForbidden, "Forbidden"},
	{ErrValidation, http.StatusBadRequest, "Validation Failed"},
	{ErrNotFound, http.StatusNotFound, "Not Found"},
	{ErrGone, http.StatusGone, "Gone"},
	{ErrDuplicate, http.StatusConflict, "Duplicate"},
	{ErrConflict, http.StatusConflict, "Conflict"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "Timeout"},
}

// StatusFor returns the HTTP status and title err maps to.
func StatusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.title
		}
	}
	return http.StatusInternalServerError, "Internal Error"
}

// RespondError writes err as an RFC7807 problem. Unmapped errors become a
// 500 with no detail so internals never leak.
func RespondError(w http.ResponseWriter, err error) {
	status, title := StatusFor(err)
	detail := ""
	if status != http.StatusInternalServerError {
		detail = err.Error()
	}
	Problem(w, status, title, detail)
}
