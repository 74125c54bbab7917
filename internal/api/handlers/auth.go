package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/finlink-io/booksync/internal/api/identity"
	"github.com/finlink-io/booksync/internal/connect"
	"github.com/finlink-io/booksync/internal/store"
)

// AuthRequestHandler returns the provider consent URL for the caller's
// account. The caller performs the redirect; this endpoint only builds the
// URL.
func AuthRequestHandler(svc *connect.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := identity.UserID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		authURL, err := svc.AuthorizationURL(r.Context(), userID, chi.URLParam(r, "provider"))
		if err != nil {
			switch {
			case errors.Is(err, connect.ErrUnknownProvider):
				writeError(w, http.StatusNotFound, "unknown provider")
			case errors.Is(err, store.ErrNotFound):
				writeError(w, http.StatusNotFound, "no matching account available")
			case errors.Is(err, connect.ErrMisconfigured):
				writeError(w, http.StatusInternalServerError, "integration is not provisioned")
			default:
				writeError(w, http.StatusInternalServerError, "failed to build authorization URL")
			}
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(authURL))
	}
}

// AuthResponseHandler receives the provider redirect. Deliberately
// unauthenticated: the trust boundary is the state-to-account correlation
// inside the service. On success the response body is the raw access token
// (the success signal for the frontend redirect); on a rejected exchange the
// provider's status and body pass through unchanged.
func AuthResponseHandler(svc *connect.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		params := connect.CallbackParams{
			Code:    q.Get("code"),
			State:   q.Get("state"),
			RealmID: q.Get("realmId"),
		}

		result, err := svc.HandleCallback(r.Context(), chi.URLParam(r, "provider"), params)
		if err != nil {
			switch {
			case errors.Is(err, connect.ErrMissingParams):
				writeError(w, http.StatusBadRequest, "missing code or state parameter")
			case errors.Is(err, connect.ErrInvalidState):
				writeError(w, http.StatusBadRequest, "no matching associated state found")
			case errors.Is(err, connect.ErrUnknownProvider):
				writeError(w, http.StatusNotFound, "unknown provider")
			case errors.Is(err, connect.ErrMisconfigured):
				writeError(w, http.StatusInternalServerError, "integration is not provisioned")
			default:
				writeError(w, http.StatusInternalServerError, "callback handling failed")
			}
			return
		}

		if result.Failed != nil {
			writeExchangeFailure(w, result.Failed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(result.AccessToken))
	}
}

// RefreshHandler performs an operator/caller-triggered refresh grant for the
// caller's account. Failures are recorded on the account and passed through
// like exchange failures; stored tokens survive.
func RefreshHandler(svc *connect.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := identity.UserID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		result, err := svc.Refresh(r.Context(), userID, chi.URLParam(r, "provider"))
		if err != nil {
			switch {
			case errors.Is(err, connect.ErrUnknownProvider):
				writeError(w, http.StatusNotFound, "unknown provider")
			case errors.Is(err, store.ErrNotFound):
				writeError(w, http.StatusNotFound, "no matching account available")
			case errors.Is(err, connect.ErrNoRefreshToken):
				writeError(w, http.StatusConflict, "account has no refresh token")
			case errors.Is(err, connect.ErrMisconfigured):
				writeError(w, http.StatusInternalServerError, "integration is not provisioned")
			default:
				writeError(w, http.StatusInternalServerError, "refresh failed")
			}
			return
		}

		if result.Failed != nil {
			writeExchangeFailure(w, result.Failed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
	}
}

// writeExchangeFailure passes a provider rejection through to the caller
// with the provider's own status code and body.
func writeExchangeFailure(w http.ResponseWriter, failed *connect.ExchangeError) {
	status := failed.StatusCode
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	if strings.HasPrefix(strings.TrimSpace(failed.Body), "{") {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(failed.Body))
}
