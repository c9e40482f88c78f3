package httpapi

import (
	"context"
	"net/http"
)

type contextKey int

const usernameKey contextKey = 0

func withUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameKey, username)
}

// username reads the authenticated username stashed by withAuth. Handlers
// reachable only through withAuth can assume it is always present.
func username(r *http.Request) string {
	u, _ := r.Context().Value(usernameKey).(string)
	return u
}
