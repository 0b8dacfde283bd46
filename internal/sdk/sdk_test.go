package sdk

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerServesMinified(t *testing.T) {
	raw, ok := Raw("callhub.js")
	require.True(t, ok)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callhub.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "javascript")
	assert.Contains(t, rec.Body.String(), "CallHub")
	assert.Less(t, rec.Body.Len(), len(raw))

	rec = httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callhub.js?raw=1", nil))
	assert.Equal(t, string(raw), rec.Body.String())
}

func TestHandlerUnknownFile(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope.js", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
