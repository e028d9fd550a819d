package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/wolfman30/clinic-booking/pkg/logging"
)

func TestRequestLoggerRecordsRoutePattern(t *testing.T) {
	var buf bytes.Buffer
	r := chi.NewRouter()
	r.Use(RequestLogger(logging.NewWithWriter(&buf, "info")))
	r.Post("/appointments/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"status":409}`))
	})

	req := httptest.NewRequest(http.MethodPost, "/appointments/abc/cancel", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	out := buf.String()
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
	assert.Contains(t, out, `"status":409`)
	assert.Contains(t, out, `"route":"/appointments/{id}/cancel"`)
	assert.Contains(t, out, `"path":"/appointments/abc/cancel"`)
	assert.Contains(t, out, `"bytes":14`)
	assert.Contains(t, out, `"level":"INFO"`)
}

func TestRequestLoggerLevels(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
		want   string
		silent bool
	}{
		{name: "server error", path: "/payments", status: http.StatusBadGateway, want: `"level":"ERROR"`},
		{name: "health probe", path: "/health", status: http.StatusOK, silent: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := RequestLogger(logging.NewWithWriter(&buf, "info"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
			if tt.silent {
				assert.Empty(t, buf.String())
				return
			}
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}
