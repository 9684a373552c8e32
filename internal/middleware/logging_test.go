package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rpattn/regsync/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingMiddlewareRecordsStatus(t *testing.T) {
	logger, hook := test.NewNullLogger()

	var scoped logrus.FieldLogger
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scoped = logging.FromContext(r.Context(), nil)
		w.WriteHeader(http.StatusConflict)
	}))

	req := httptest.NewRequest(http.MethodPost, "/uploads", nil)
	req.Header.Set("X-Request-Id", "req-1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry, ok := scoped.(*logrus.Entry)
	require.True(t, ok)
	assert.Equal(t, "req-1", entry.Data["request_id"])

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.WarnLevel, last.Level)
	assert.Equal(t, http.StatusConflict, last.Data["status"])
	assert.Equal(t, "/uploads", last.Data["path"])
}
