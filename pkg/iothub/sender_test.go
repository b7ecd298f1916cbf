package iothub

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spotflow/device-sdk-go/pkg/persistence"
)

func strPtr(s string) *string { return &s }

func TestBasePropertiesOrderAndEncoding(t *testing.T) {
	msg := &persistence.DeviceMessage{
		SiteID:       strPtr("site 1"),
		StreamGroup:  strPtr("group"),
		Stream:       strPtr("stream"),
		BatchID:      strPtr("batch"),
		BatchSliceID: strPtr("slice"),
		MessageID:    strPtr("msg"),
		ChunkID:      strPtr("chunk"),
	}

	properties := baseProperties(msg)

	assert.Equal(t, []string{
		"stream-group-name=group",
		"stream-name=stream",
		"site-id=site%201",
		"batch-id=batch",
		"batch-slice-id=slice",
		"message-id=msg",
		"chunk-id=chunk",
	}, properties)
}

func TestBasePropertiesSkipsMissing(t *testing.T) {
	msg := &persistence.DeviceMessage{BatchID: strPtr("batch")}

	properties := baseProperties(msg)

	assert.Equal(t, []string{"batch-id=batch"}, properties)
}

func TestCloseProperties(t *testing.T) {
	assert.Nil(t, closeProperties(persistence.CloseOptionNone))
	assert.Equal(t, []string{"complete-batch=true"}, closeProperties(persistence.CloseBatch))
	assert.Equal(t, []string{"complete-batch=true", "ignore-payload=true"},
		closeProperties(persistence.CloseBatchOnly))
	assert.Equal(t, []string{"complete-message=true", "ignore-payload=true"},
		closeProperties(persistence.CloseMessageOnly))
}

// A compressible payload is transmitted compressed; the compressed bytes must
// decompress back to the original.
func TestCompressionShrinksRepetitivePayload(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 1000)

	content, compressed, err := applyCompression(payload, persistence.CompressionBrotliFastest)
	require.NoError(t, err)

	assert.True(t, compressed)
	assert.Less(t, len(content), len(payload))

	decompressed, err := decompress(content)
	require.NoError(t, err)
	assert.Equal(t, payload, decompressed)
}

// A tiny random payload cannot shrink, so it is sent uncompressed.
func TestCompressionFallsBackOnIncompressiblePayload(t *testing.T) {
	payload := make([]byte, 4)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	content, compressed, err := applyCompression(payload, persistence.CompressionBrotliFastest)
	require.NoError(t, err)

	assert.False(t, compressed)
	assert.Equal(t, payload, content)
}

func TestCompressionSkippedWhenDisabled(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 1000)

	content, compressed, err := applyCompression(payload, persistence.CompressionNone)
	require.NoError(t, err)

	assert.False(t, compressed)
	assert.Equal(t, payload, content)
}

func TestCompressionSkipsEmptyPayload(t *testing.T) {
	content, compressed, err := applyCompression(nil, persistence.CompressionBrotliSmallest)
	require.NoError(t, err)

	assert.False(t, compressed)
	assert.Empty(t, content)
}

func TestSmallestSizeCompressesHarder(t *testing.T) {
	payload := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 100))

	fastest, compressed, err := applyCompression(payload, persistence.CompressionBrotliFastest)
	require.NoError(t, err)
	require.True(t, compressed)

	smallest, compressed, err := applyCompression(payload, persistence.CompressionBrotliSmallest)
	require.NoError(t, err)
	require.True(t, compressed)

	assert.LessOrEqual(t, len(smallest), len(fastest))
}

func decompress(content []byte) ([]byte, error) {
	var out bytes.Buffer
	reader := brotli.NewReader(bytes.NewReader(content))
	if _, err := out.ReadFrom(reader); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
