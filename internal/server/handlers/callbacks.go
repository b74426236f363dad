package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/3leaps/geoxfer/internal/errors"
	"github.com/3leaps/geoxfer/pkg/callback"
)

// Publisher accepts completion reports.
type Publisher interface {
	Publish(ctx context.Context, m callback.Message) error
}

var _ Publisher = (*callback.Inbox)(nil)

// CallbackHandler accepts completion reports from backends that cannot
// NOTIFY, e.g. external processes.
func CallbackHandler(p Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			respondWithError(w, r, apperrors.BadRequest(err))
			return
		}
		m, err := callback.Parse(data)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
		if err := p.Publish(r.Context(), m); err != nil {
			if errors.Is(err, callback.ErrClosed) {
				respondWithError(w, r, apperrors.ServiceUnavailable("shutting down"))
				return
			}
			respondWithError(w, r, err)
			return
		}
		apperrors.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}
