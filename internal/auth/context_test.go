package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rpattn/regsync/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestRoleFromHeaders(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderCanUpload, "true")
	h.Set(HeaderCanRollback, "nope")
	h.Set(HeaderCanModerate, "1")

	role := RoleFromHeaders(h)
	assert.Equal(t, domain.CallerRole{CanBulkUpload: true, CanModerate: true}, role)
}

func TestRoleFromContextDefaultsToNothing(t *testing.T) {
	assert.Equal(t, domain.CallerRole{}, RoleFromContext(context.Background()))

	ctx := ContextWithRole(context.Background(), domain.CallerRole{CanRollback: true})
	assert.True(t, RoleFromContext(ctx).CanRollback)
}

func TestMiddlewareStoresRole(t *testing.T) {
	var seen domain.CallerRole
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RoleFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/uploads", nil)
	req.Header.Set(HeaderCanRollback, "TRUE")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, domain.CallerRole{CanRollback: true}, seen)
}
