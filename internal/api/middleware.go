package api

import (
	"context"
	"errors"
	"log"
	"net/http"

	"taskflow/internal/auth"
	"taskflow/pkg/user"
)

type ctxKey struct{}

// currentUser returns the user set by require.
func currentUser(ctx context.Context) *user.User {
	u, _ := ctx.Value(ctxKey{}).(*user.User)
	return u
}

// require returns middleware that authenticates the bearer token, registers
// the user on first sight and checks the role. Browsers cannot set headers
// on EventSource and WebSocket requests, so access_token in the query is
// accepted too.
func (s *Server) require(min user.Role) func(http.HandlerFunc) http.Handler {
	return func(next http.HandlerFunc) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.BearerToken(r)
			if token == "" {
				token = r.URL.Query().Get("access_token")
			}
			if token == "" {
				writeError(w, http.StatusUnauthorized, auth.ErrInvalidToken.Error())
				return
			}

			ctx := r.Context()
			id, err := s.Auth.Verify(ctx, token)
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			if err != nil {
				log.Printf("api: verify token: %v", err)
				writeError(w, http.StatusBadGateway, "identity provider unavailable")
				return
			}

			u, err := s.Users.Register(ctx, id.ID, id.Email, id.FullName, id.AvatarURL)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if u.Banned {
				writeError(w, http.StatusForbidden, "account is banned")
				return
			}
			if !u.Role.AtLeast(min) {
				writeError(w, http.StatusForbidden, "not enough permissions")
				return
			}
			next(w, r.WithContext(context.WithValue(ctx, ctxKey{}, u)))
		})
	}
}
