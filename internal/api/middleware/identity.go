package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	pkgmw "github.com/Zhao-yangyang/DaemonChat/pkg/middleware"
)

// UserHeader carries the caller's user ID. It is set by the gateway in front
// of the server after it has authenticated the user.
const UserHeader = "X-User-Id"

// RequireUser rejects requests without a user ID and stores it in the
// context for handlers.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "UNAUTHORIZED",
				"message": "missing " + UserHeader + " header",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(pkgmw.WithUserID(r.Context(), userID)))
	})
}
