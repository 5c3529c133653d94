package node

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIdentity(t *testing.T) {
	a := DefaultIdentity()
	b := DefaultIdentity()
	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, strings.Count(a, "-"), 2)
}

func TestGate_SetEnabled(t *testing.T) {
	g := NewGate(true, nil)
	assert.True(t, g.IsNodeEnabled())

	assert.True(t, g.SetEnabled(false))
	assert.False(t, g.IsNodeEnabled())
	assert.False(t, g.SetEnabled(false), "no change reported twice")
}

func TestGate_Handler(t *testing.T) {
	g := NewGate(true, nil)
	h := g.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/node/disable", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"enabled":false}`, rec.Body.String())
	assert.False(t, g.IsNodeEnabled())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/node/enable", nil))
	assert.JSONEq(t, `{"enabled":true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/node", nil))
	assert.JSONEq(t, `{"enabled":true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/node/enable", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
