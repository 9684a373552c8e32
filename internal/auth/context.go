// Package auth carries the caller role asserted by the upstream gateway.
// Nothing here authenticates; the headers are trusted as given.
package auth

import (
	"context"
	"net/http"
	"strconv"

	"github.com/rpattn/regsync/internal/domain"
)

type contextKey string

const callerRoleKey contextKey = "callerRole"

// Headers set by the gateway.
const (
	HeaderCanUpload   = "X-Regsync-Can-Upload"
	HeaderCanRollback = "X-Regsync-Can-Rollback"
	HeaderCanModerate = "X-Regsync-Can-Moderate"
)

// ContextWithRole returns a new context that carries the caller role.
func ContextWithRole(ctx context.Context, role domain.CallerRole) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, callerRoleKey, role)
}

// RoleFromContext retrieves the caller role. A context without one grants nothing.
func RoleFromContext(ctx context.Context) domain.CallerRole {
	if ctx == nil {
		return domain.CallerRole{}
	}
	role, _ := ctx.Value(callerRoleKey).(domain.CallerRole)
	return role
}

// RoleFromHeaders reads the role headers. Missing or unparsable values deny.
func RoleFromHeaders(h http.Header) domain.CallerRole {
	return domain.CallerRole{
		CanBulkUpload: headerFlag(h, HeaderCanUpload),
		CanRollback:   headerFlag(h, HeaderCanRollback),
		CanModerate:   headerFlag(h, HeaderCanModerate),
	}
}

// Middleware stores the header role in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ContextWithRole(r.Context(), RoleFromHeaders(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func headerFlag(h http.Header, name string) bool {
	ok, err := strconv.ParseBool(h.Get(name))
	return err == nil && ok
}
