package png

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitContainer_RoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		layout    Layout
		size      int
		colorType uint8
	}{
		{"greyscale", Layout{Width: 3, Height: 2, BytesPerPixel: 1}, 6, ColorGreyscale},
		{"greyscale alpha", Layout{Width: 3, Height: 2, BytesPerPixel: 2}, 12, ColorGreyscaleAlpha},
		{"truecolor", Layout{Width: 3, Height: 2, BytesPerPixel: 3}, 18, ColorTruecolor},
		{"truecolor alpha", Layout{Width: 3, Height: 2, BytesPerPixel: 4}, 24, ColorTruecolorAlpha},
		{"truecolor 16", Layout{Width: 2, Height: 2, BytesPerPixel: 6, BitDepth: 16}, 24, ColorTruecolor},
		{"greyscale 1", Layout{Width: 10, Height: 3, BytesPerPixel: 1, BitDepth: 1}, 6, ColorGreyscale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			depth := tt.layout.BitDepth
			if depth == 0 {
				depth = 8
			}
			pixels := make([]byte, tt.size)
			for i := range pixels {
				pixels[i] = byte(i*31 + 7)
			}
			overflow := []byte{1, 2, 3, 4, 5}

			var buf bytes.Buffer
			require.NoError(t, EmitContainer(&buf, pixels, overflow, tt.layout, EmitOptions{}))

			img, err := Decode(bytes.NewReader(buf.Bytes()), DecodeOptions{VerifyCRC: true, KeepTrailer: true})
			require.NoError(t, err)
			require.NoError(t, Validate(img))
			assert.Equal(t, overflow, img.Trailer)

			h, _ := img.Header()
			assert.Equal(t, tt.colorType, h.ColorType)
			assert.Equal(t, uint8(depth), h.BitDepth)
			assert.Equal(t, int32(tt.layout.Width), h.Width)

			got, err := Reconstruct(img)
			require.NoError(t, err)
			assert.Equal(t, pixels, got)
		})
	}
}

func TestEmitContainer_NoOverflow(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EmitContainer(&buf, []byte{1, 2, 3, 4}, nil, Layout{Width: 2, Height: 2, BytesPerPixel: 1}, EmitOptions{CompressionLevel: 9}))

	img, err := Decode(bytes.NewReader(buf.Bytes()), DecodeOptions{KeepTrailer: true})
	require.NoError(t, err)
	assert.Empty(t, img.Trailer)
}

func TestEmitContainer_Errors(t *testing.T) {
	tests := []struct {
		name   string
		pixels []byte
		layout Layout
		msg    string
	}{
		{"length mismatch", []byte{1, 2, 3}, Layout{Width: 2, Height: 2, BytesPerPixel: 1}, "pixel stream has 3 bytes, want 4"},
		{"five channels", make([]byte, 5), Layout{Width: 1, Height: 1, BytesPerPixel: 5}, "cannot emit 5 channels"},
		{"empty image", nil, Layout{Width: 0, Height: 2, BytesPerPixel: 1}, "invalid image size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EmitContainer(&buf, tt.pixels, nil, tt.layout, EmitOptions{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestWriteClean(t *testing.T) {
	text := newChunk("tEXt", []byte("Software\x00x"))

	t.Run("drops ancillary chunks", func(t *testing.T) {
		src := encodePixels(t, ihdr(2, 2, 8, ColorTruecolor), make([]byte, 12),
			[]Chunk{gama(45455), plte(RGB{1, 2, 3}), text})
		img := decodeValid(t, src)

		var buf bytes.Buffer
		require.NoError(t, WriteClean(&buf, img))

		clean := decodeValid(t, buf.Bytes())
		assert.Equal(t, []TypeCount{{TypeIHDR, 1}, {TypeIDAT, 1}, {TypeIEND, 1}}, clean.Summary())
		for i, c := range clean.Chunks {
			assert.Equal(t, img.First(c.Type).Bytes(), clean.Chunks[i].Bytes())
		}
	})

	t.Run("keeps palette for indexed images", func(t *testing.T) {
		src := encodePixels(t, ihdr(2, 1, 8, ColorIndexed), []byte{0, 1},
			[]Chunk{gama(45455), plte(RGB{1, 2, 3}, RGB{4, 5, 6})})
		img := decodeValid(t, src)

		var buf bytes.Buffer
		require.NoError(t, WriteClean(&buf, img))

		clean := decodeValid(t, buf.Bytes())
		assert.True(t, clean.Has(TypePLTE))
		assert.False(t, clean.Has(TypeGAMA))
	})

	t.Run("missing header", func(t *testing.T) {
		err := WriteClean(&bytes.Buffer{}, imageOf(iend()))
		assert.True(t, errors.Is(err, ErrValidation))
	})
}
