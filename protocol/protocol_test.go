package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := Request{
		ID:              "abc123",
		Code:            "x <- 42\ncat(x)",
		MaxDurationSecs: 30,
		MaxOutputBytes:  4096,
	}
	require.NoError(t, WriteRequest(&buf, req))

	line := buf.String()
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.Equal(t, 1, strings.Count(line, "\n"), "request must be a single line")
	assert.Contains(t, line, `"max_duration_secs":30`)
}

func TestReadResponse(t *testing.T) {
	raw := `{"id":"abc123","output":"42","result":"42","elapsed_secs":0.01}` + "\n"
	resp, err := ReadResponse(strings.NewReader(raw), 1024)
	require.NoError(t, err)

	assert.Equal(t, "abc123", resp.ID)
	assert.Equal(t, "42", resp.Output)
	assert.Equal(t, "42", resp.Result)
	assert.False(t, resp.TimedOut)
	assert.InDelta(t, 0.01, resp.ElapsedSecs, 1e-9)
}

func TestReadResponseTimedOut(t *testing.T) {
	raw := `{"id":"x","output":"","error":"reached elapsed time limit","timed_out":true,"elapsed_secs":30.0}` + "\n"
	resp, err := ReadResponse(strings.NewReader(raw), 1024)
	require.NoError(t, err)

	assert.True(t, resp.TimedOut)
	assert.NotEmpty(t, resp.Error)
}

func TestReadResponseEmptyStream(t *testing.T) {
	_, err := ReadResponse(strings.NewReader(""), 1024)
	assert.Error(t, err)
}

func TestReadResponseGarbage(t *testing.T) {
	_, err := ReadResponse(strings.NewReader("not json\n"), 1024)
	assert.Error(t, err)
}
