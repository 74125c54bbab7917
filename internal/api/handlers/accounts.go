package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/finlink-io/booksync/internal/api/identity"
	"github.com/finlink-io/booksync/internal/providers/registry"
	"github.com/finlink-io/booksync/internal/store"
)

// accountResponse is the durable contract other systems read.
type accountResponse struct {
	ID              uint `json:"id"`
	IsAuthenticated bool `json:"is_authenticated"`
}

// CreateAccountHandler provisions an empty, unauthenticated connection for
// the caller with the provider named in the path, seeded with the provider's
// default scopes. 409 when one already exists.
func CreateAccountHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		integ, ok := registry.Get(chi.URLParam(r, "provider"))
		if !ok {
			writeError(w, http.StatusNotFound, "unknown provider")
			return
		}
		userID, ok := identity.UserID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		acc, err := st.Create(r.Context(), userID, integ.ID, integ.DefaultScope)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				writeError(w, http.StatusConflict, "account already exists for this provider")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to create account")
			return
		}
		writeJSON(w, http.StatusCreated, accountResponse{ID: acc.ID, IsAuthenticated: acc.IsAuthenticated})
	}
}

// GetAccountHandler returns the caller's connection for the provider named
// in the path.
func GetAccountHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		integ, ok := registry.Get(chi.URLParam(r, "provider"))
		if !ok {
			writeError(w, http.StatusNotFound, "unknown provider")
			return
		}
		userID, ok := identity.UserID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		acc, err := st.ByUserAndProvider(r.Context(), userID, integ.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "no account for this provider")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to load account")
			return
		}
		writeJSON(w, http.StatusOK, accountResponse{ID: acc.ID, IsAuthenticated: acc.IsAuthenticated})
	}
}
