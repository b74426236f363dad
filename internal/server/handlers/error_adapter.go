package handlers

import (
	"net/http"

	apperrors "github.com/3leaps/geoxfer/internal/errors"
)

// HTTPErrorResponder writes the response for a failed request.
type HTTPErrorResponder func(w http.ResponseWriter, r *http.Request, err error)

var httpErrorResponder HTTPErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder replaces the responder; nil restores the default.
func SetHTTPErrorResponder(f HTTPErrorResponder) {
	if f == nil {
		f = apperrors.RespondWithError
	}
	httpErrorResponder = f
}

// ResetHTTPErrorResponder restores the default responder.
func ResetHTTPErrorResponder() {
	httpErrorResponder = apperrors.RespondWithError
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
