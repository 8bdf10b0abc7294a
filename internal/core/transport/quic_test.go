package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"type":"subscribe","table":"scores"}`)

	require.NoError(t, writeFrame(&buf, payload))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrameEmptyMessage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, nil))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFrameRejectsOversize(t *testing.T) {
	err := writeFrame(&bytes.Buffer{}, make([]byte, quicMaxFrameSize+1))
	assert.ErrorIs(t, err, ErrMessageTooLarge)

	// An oversize length prefix is rejected before allocation.
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err = readFrame(&buf)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("hello")))

	truncated := bytes.NewBuffer(buf.Bytes()[:6])
	_, err := readFrame(truncated)
	assert.Error(t, err)
}

func TestGenerateSelfSignedTLS(t *testing.T) {
	config, err := generateSelfSignedTLS()
	require.NoError(t, err)
	require.Len(t, config.Certificates, 1)
	assert.Equal(t, []string{quicALPN}, config.NextProtos)
}
