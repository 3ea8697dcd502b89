package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/pcrbatch/internal/errors"
)

// httpErrorResponder writes error responses for every handler in this
// package. Tests swap it to observe errors.
var httpErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder overrides the error responder. nil restores the
// default.
func SetHTTPErrorResponder(fn func(http.ResponseWriter, *http.Request, error)) {
	if fn == nil {
		ResetHTTPErrorResponder()
		return
	}
	httpErrorResponder = fn
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = apperrors.RespondWithError
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
