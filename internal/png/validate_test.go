package png

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	idat := newChunk(TypeIDAT, []byte{0x78, 0x9c})
	text := newChunk("tEXt", []byte("k\x00v"))
	tm := newChunk(TypeTIME, make([]byte, 7))
	chrm := newChunk(TypeCHRM, make([]byte, 32))
	grey := ihdr(4, 4, 8, ColorGreyscale)
	rgb := ihdr(4, 4, 8, ColorTruecolor)
	indexed := ihdr(4, 4, 1, ColorIndexed)

	withHeader := func(mutate func(*Header)) Chunk {
		h := *grey.Payload.(*Header)
		mutate(&h)
		data := ihdrData(h.Width, h.Height, h.BitDepth, h.ColorType)
		data[10], data[11], data[12] = h.CompressionMethod, h.FilterMethod, h.InterlaceMethod
		return newChunk(TypeIHDR, data)
	}

	tests := []struct {
		name   string
		chunks []Chunk
		rule   Rule
	}{
		{"valid greyscale", []Chunk{grey, idat, iend()}, ""},
		{"valid with ancillaries", []Chunk{grey, tm, chrm, gama(45455), idat, idat, text, iend()}, ""},
		{"valid indexed", []Chunk{indexed, plte(RGB{}, RGB{}), idat, iend()}, ""},
		{"valid suggested palette", []Chunk{rgb, plte(RGB{1, 2, 3}), idat, iend()}, ""},

		{"missing IHDR", []Chunk{idat, iend()}, RuleIHDRCount},
		{"two IHDR", []Chunk{grey, grey, idat, iend()}, RuleIHDRCount},
		{"IHDR not first", []Chunk{gama(1), grey, idat, iend()}, RuleIHDRFirst},
		{"zero width", []Chunk{withHeader(func(h *Header) { h.Width = 0 }), idat, iend()}, RuleIHDRWidth},
		{"negative height", []Chunk{withHeader(func(h *Header) { h.Height = -1 }), idat, iend()}, RuleIHDRHeight},
		{"bit depth 3", []Chunk{withHeader(func(h *Header) { h.BitDepth = 3 }), idat, iend()}, RuleIHDRBitDepth},
		{"color type 5", []Chunk{withHeader(func(h *Header) { h.ColorType = 5 }), idat, iend()}, RuleIHDRColorType},
		{"truecolor at depth 4", []Chunk{ihdr(1, 1, 4, ColorTruecolor), idat, iend()}, RuleIHDRDepthColor},
		{"indexed at depth 16", []Chunk{ihdr(1, 1, 16, ColorIndexed), idat, iend()}, RuleIHDRDepthColor},
		{"compression method", []Chunk{withHeader(func(h *Header) { h.CompressionMethod = 1 }), idat, iend()}, RuleIHDRCompression},
		{"filter method", []Chunk{withHeader(func(h *Header) { h.FilterMethod = 1 }), idat, iend()}, RuleIHDRFilter},
		{"interlaced", []Chunk{withHeader(func(h *Header) { h.InterlaceMethod = 1 }), idat, iend()}, RuleIHDRInterlace},

		{"two cHRM", []Chunk{grey, chrm, chrm, idat, iend()}, RuleCHRMCount},
		{"cHRM after PLTE", []Chunk{rgb, plte(RGB{}), chrm, idat, iend()}, RuleCHRMOrder},
		{"cHRM after IDAT", []Chunk{grey, idat, chrm, iend()}, RuleCHRMOrder},
		{"two gAMA", []Chunk{grey, gama(1), gama(2), idat, iend()}, RuleGAMACount},
		{"gAMA after IDAT", []Chunk{grey, idat, gama(1), iend()}, RuleGAMAOrder},

		{"two PLTE", []Chunk{indexed, plte(RGB{}), plte(RGB{}), idat, iend()}, RulePLTECount},
		{"PLTE on greyscale", []Chunk{grey, plte(RGB{}), idat, iend()}, RulePLTEColorType},
		{"PLTE after IDAT", []Chunk{indexed, idat, plte(RGB{}), iend()}, RulePLTEOrder},
		{"PLTE length", []Chunk{indexed, newChunk(TypePLTE, []byte{1, 2, 3, 4}), idat, iend()}, RulePLTELength},
		{"too many entries", []Chunk{indexed, plte(RGB{}, RGB{}, RGB{}), idat, iend()}, RulePLTEEntries},
		{"indexed without PLTE", []Chunk{indexed, idat, iend()}, RulePLTERequired},

		{"no IDAT", []Chunk{grey, iend()}, RuleIDATMissing},
		{"split IDAT", []Chunk{grey, idat, text, idat, iend()}, RuleIDATContiguous},

		{"no IEND", []Chunk{grey, idat}, RuleIENDCount},
		{"two IEND", []Chunk{grey, idat, iend(), iend()}, RuleIENDCount},
		{"IEND with data", []Chunk{grey, idat, newChunk(TypeIEND, []byte{0})}, RuleIENDLength},
		{"IEND not last", []Chunk{grey, idat, iend(), text}, RuleIENDLast},

		{"two tIME", []Chunk{grey, tm, tm, idat, iend()}, RuleTIMECount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(imageOf(tt.chunks...))
			if tt.rule == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "want %s, got %v", tt.rule, err)
			assert.Equal(t, tt.rule, ve.Rule)
			assert.True(t, errors.Is(err, ErrValidation))
		})
	}
}

func TestValidate_Idempotent(t *testing.T) {
	images := []*Image{
		imageOf(ihdr(1, 1, 8, ColorGreyscale), newChunk(TypeIDAT, nil), iend()),
		imageOf(ihdr(1, 1, 8, ColorGreyscale), iend()),
		imageOf(ihdr(1, 1, 2, ColorIndexed), newChunk(TypeIDAT, nil), iend()),
	}

	for _, img := range images {
		first := Validate(img)
		for i := 0; i < 3; i++ {
			again := Validate(img)
			if first == nil {
				assert.NoError(t, again)
				continue
			}
			var a, b *ValidationError
			require.True(t, errors.As(first, &a))
			require.True(t, errors.As(again, &b))
			assert.Equal(t, a.Rule, b.Rule)
			assert.Equal(t, a.Value, b.Value)
		}
	}
}
