package grpc

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZstdCompressorRoundTrip(t *testing.T) {
	c := &zstdCompressor{level: zstd.SpeedDefault}
	payload := []byte(strings.Repeat("127.0.0.1:11111@42 Active ", 200))

	// second pass reuses pooled encoder and decoder
	for i := 0; i < 2; i++ {
		var buf bytes.Buffer
		w, err := c.Compress(&buf)
		require.NoError(t, err)
		_, err = w.Write(payload)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		assert.Less(t, buf.Len(), len(payload))

		r, err := c.Decompress(&buf)
		require.NoError(t, err)
		out, err := io.ReadAll(r)
		require.NoError(t, err)
		assert.Equal(t, payload, out)
	}
}

func TestCompressionLevel(t *testing.T) {
	defer RegisterZstdCompressor(0)

	RegisterZstdCompressor(0)
	assert.Empty(t, compressorName())

	RegisterZstdCompressor(3)
	assert.Equal(t, zstdName, compressorName())

	assert.Equal(t, zstd.SpeedFastest, configLevelToZstd(1))
	assert.Equal(t, zstd.SpeedBestCompression, configLevelToZstd(4))
	assert.Equal(t, zstd.SpeedFastest, configLevelToZstd(9))
}
