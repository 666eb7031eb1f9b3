package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRequestJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOptions(Options{Environment: "production", Level: "debug", Output: &buf}).Component("api")

	r := httptest.NewRequest("POST", "/input/log", nil)
	r.Header.Set("X-Request-ID", "abc-123")
	l.WithRequest(r).Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "hello", line["msg"])
	assert.Equal(t, "api", line["component"])
	assert.Equal(t, "abc-123", line["req_id"])
	assert.Equal(t, "POST", line["method"])
	assert.Equal(t, "/input/log", line["path"])
}

func TestWithRequestMintsID(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOptions(Options{Environment: "production", Output: &buf})
	l.WithRequest(httptest.NewRequest("GET", "/health", nil)).Info("x")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Len(t, line["req_id"], 36)
}

func TestWithErrorAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithOptions(Options{Environment: "production", Level: "warn", Output: &buf})

	l.Info("dropped")
	assert.Zero(t, buf.Len())

	l.WithError(errors.New("boom")).Warn("kept")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "boom", line["error"])

	assert.NotNil(t, l.WithError(nil))
	assert.NotNil(t, OrDiscard(nil))
}
