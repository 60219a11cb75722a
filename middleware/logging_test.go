package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogging_RecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	r := mux.NewRouter()
	r.Use(Logging(logger))
	r.HandleFunc("/api/stores/{storeId}/notify", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}).Methods(http.MethodPost)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/stores/STORE01/notify", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, float64(http.StatusNotFound), entry["status"])
	assert.Equal(t, "/api/stores/STORE01/notify", entry["path"])
}

func TestRouteName(t *testing.T) {
	r := mux.NewRouter()
	var got string
	r.HandleFunc("/api/stores/{storeId}/update-app/{versionId}", func(w http.ResponseWriter, req *http.Request) {
		got = routeName(req)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/stores/STORE01/update-app/v9", nil))
	assert.Equal(t, "/api/stores/{storeId}/update-app/{versionId}", got)

	assert.Equal(t, "unmatched", routeName(httptest.NewRequest(http.MethodGet, "/nowhere", nil)))
}

func TestResponseWriter_UnwrapAndFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	assert.Same(t, rec, rw.Unwrap())
	rw.Flush()
	assert.True(t, rec.Flushed)
}
