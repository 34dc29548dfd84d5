package png

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reconstructed(t *testing.T, data []byte) *Image {
	t.Helper()
	img := decodeValid(t, data)
	_, err := Reconstruct(img)
	require.NoError(t, err)
	return img
}

func TestApplyColorTransforms_Palette(t *testing.T) {
	palette := plte(RGB{1, 2, 3}, RGB{4, 5, 6}, RGB{7, 8, 9})

	tests := []struct {
		name   string
		header Chunk
		pixels []byte
		want   []byte
	}{
		{
			name:   "depth 8",
			header: ihdr(2, 1, 8, ColorIndexed),
			pixels: []byte{1, 0},
			want:   []byte{4, 5, 6, 1, 2, 3},
		},
		{
			name:   "depth 2 packed",
			header: ihdr(3, 2, 2, ColorIndexed),
			// Row 0 indices 2,1,0; row 1 indices 0,0,2. Low bits are padding.
			pixels: []byte{0x90, 0x08},
			want:   []byte{7, 8, 9, 4, 5, 6, 1, 2, 3, 1, 2, 3, 1, 2, 3, 7, 8, 9},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := reconstructed(t, encodePixels(t, tt.header, tt.pixels, []Chunk{palette}))
			require.NoError(t, ApplyColorTransforms(img, TransformOptions{}))
			assert.Equal(t, tt.want, img.Pixels)
			assert.Equal(t, 3, img.BytesPerPixel)
			assert.Equal(t, 3, img.Channels)
			assert.Equal(t, 8, img.BitDepth)
		})
	}
}

func TestApplyColorTransforms_PaletteIndexOutOfRange(t *testing.T) {
	img := reconstructed(t, encodePixels(t, ihdr(2, 1, 8, ColorIndexed), []byte{0, 2}, []Chunk{plte(RGB{}, RGB{})}))
	err := ApplyColorTransforms(img, TransformOptions{})
	assert.True(t, errors.Is(err, ErrCorruption), "got %v", err)
}

func TestApplyColorTransforms_SuggestedPaletteIgnored(t *testing.T) {
	img := reconstructed(t, encodePixels(t, ihdr(1, 1, 8, ColorTruecolor), []byte{9, 8, 7}, []Chunk{plte(RGB{1, 1, 1})}))
	require.NoError(t, ApplyColorTransforms(img, TransformOptions{}))
	assert.Equal(t, []byte{9, 8, 7}, img.Pixels)
}

func TestApplyColorTransforms_Gamma(t *testing.T) {
	tests := []struct {
		name   string
		header Chunk
		gamma  uint32
		pixels []byte
		want   []byte
	}{
		{"identity", ihdr(3, 1, 8, ColorGreyscale), 100000, []byte{0, 128, 255}, []byte{0, 128, 255}},
		{"square", ihdr(3, 1, 8, ColorGreyscale), 50000, []byte{0, 128, 255}, []byte{0, 64, 255}},
		{"sixteen bit", ihdr(1, 1, 16, ColorGreyscale), 50000, []byte{0x80, 0x00}, []byte{0x40, 0x00}},
		// Samples 3,2,1,0 at depth 2 map to 3,1,0,0.
		{"two bit", ihdr(4, 1, 2, ColorGreyscale), 50000, []byte{0xe4}, []byte{0xd0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := reconstructed(t, encodePixels(t, tt.header, tt.pixels, []Chunk{gama(tt.gamma)}))
			require.NoError(t, ApplyColorTransforms(img, TransformOptions{}))
			assert.Equal(t, tt.want, img.Pixels)
		})
	}
}

func TestApplyColorTransforms_SkipGamma(t *testing.T) {
	img := reconstructed(t, encodePixels(t, ihdr(3, 1, 8, ColorGreyscale), []byte{0, 128, 255}, []Chunk{gama(50000)}))
	require.NoError(t, ApplyColorTransforms(img, TransformOptions{SkipGamma: true}))
	assert.Equal(t, []byte{0, 128, 255}, img.Pixels)
}

func TestApplyColorTransforms_ZeroGamma(t *testing.T) {
	logger, hook := logtest.NewNullLogger()

	img := reconstructed(t, encodePixels(t, ihdr(2, 1, 8, ColorGreyscale), []byte{5, 200}, []Chunk{gama(0)}))
	require.NoError(t, ApplyColorTransforms(img, TransformOptions{Logger: logger}))

	assert.Equal(t, []byte{5, 200}, img.Pixels)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestApplyColorTransforms_PaletteThenGamma(t *testing.T) {
	img := reconstructed(t, encodePixels(t, ihdr(1, 1, 8, ColorIndexed), []byte{0},
		[]Chunk{gama(50000), plte(RGB{0, 128, 255})}))
	require.NoError(t, ApplyColorTransforms(img, TransformOptions{}))
	assert.Equal(t, []byte{0, 64, 255}, img.Pixels)
}
