package handler

import (
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/bloomgen/internal/model"
)

// requireReviewer checks HTTP basic credentials against the users table and
// stores the reviewer in the request context.
func (h *Handler) requireReviewer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || username == "" {
			writeUnauthorized(w, r)
			return
		}

		user, err := h.store.GetUserByUsername(r.Context(), username)
		if err != nil {
			slog.Error("failed to get user", "error", err)
			writeError(w, r, model.Wrap(model.KindPersistence, err, "get user"))
			return
		}
		if user == nil || !user.Active {
			writeUnauthorized(w, r)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
			slog.Warn("reviewer authentication failed", "username", username)
			writeUnauthorized(w, r)
			return
		}
		if user.Role != model.UserRoleReviewer && user.Role != model.UserRoleAdmin {
			writeUnauthorized(w, r)
			return
		}

		ctx := model.ContextWithUser(r.Context(), user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
