package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := defaultLogger
	buf := &bytes.Buffer{}
	SetOutput(buf)
	t.Cleanup(func() { defaultLogger = prev })
	return buf
}

func TestInfo_WritesStructuredEntry(t *testing.T) {
	buf := capture(t)
	Info("campaign started", "campaign_id", "c-1", "total", 3, "err", errors.New("boom"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "campaign started", entry["message"])
	assert.Equal(t, "c-1", entry["campaign_id"])
	assert.EqualValues(t, 3, entry["total"])
	assert.Equal(t, "boom", entry["err"])
}

func TestRedaction(t *testing.T) {
	buf := capture(t)
	SetRedactPII(true)
	Warn("bounce", "email", "john.doe@example.com", "detail", "rcpt ab@example.org rejected")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "jo***@example.com", entry["email"])
	assert.Equal(t, "rcpt ***@example.org rejected", entry["detail"])
}

func TestLevelFiltering(t *testing.T) {
	buf := capture(t)
	SetLevel(WARN)
	defer SetLevel(INFO)

	Info("hidden")
	assert.Zero(t, buf.Len())
	Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestWith_CarriesFields(t *testing.T) {
	buf := capture(t)
	With("component", "dispatcher").Info("tick")
	assert.Contains(t, buf.String(), `"component":"dispatcher"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("DEBUG"))
	assert.Equal(t, WARN, ParseLevel("warning"))
	assert.Equal(t, INFO, ParseLevel(""))
}
