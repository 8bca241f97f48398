package rbac

import (
	"log/slog"
	"net/http"

	"github.com/tillpoint/tillpoint/internal/platform/httpx"
	"github.com/tillpoint/tillpoint/internal/shared"
)

// Middleware wires authorization helpers for HTTP routes. Routes check a
// permission once at the entry of each operation; business logic below the
// gate never re-checks.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// Require ensures the current user holds the named permission before the next
// handler runs. Denial is uniform: it reveals nothing beyond the refusal.
func (m Middleware) Require(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := shared.UserIDFromContext(r.Context())
			if userID == 0 {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}
			ok, err := m.Service.HasPermission(r.Context(), userID, permission)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("rbac check", slog.String("permission", permission), slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			if !ok {
				httpx.Problem(w, http.StatusForbidden, "Access Denied", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAny ensures the current user holds at least one of the permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := shared.UserIDFromContext(r.Context())
			if userID == 0 {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "")
				return
			}
			for _, p := range perms {
				ok, err := m.Service.HasPermission(r.Context(), userID, p)
				if err != nil {
					if m.Logger != nil {
						m.Logger.Error("rbac check", slog.String("permission", p), slog.Any("error", err))
					}
					httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
					return
				}
				if ok {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.Problem(w, http.StatusForbidden, "Access Denied", "")
		})
	}
}
