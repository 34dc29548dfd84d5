package png

import (
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribe(t *testing.T) {
	tm := make([]byte, 7)
	binary.BigEndian.PutUint16(tm, 2020)
	copy(tm[2:], []byte{3, 5, 14, 7, 9})

	tests := []struct {
		name  string
		chunk Chunk
		opts  DescribeOptions
		data  string
	}{
		{
			name:  "header",
			chunk: ihdr(640, 480, 8, ColorTruecolorAlpha),
			data: "Width: 640 | Height: 480 | BitDepth: 8 | ColorType: 6 | " +
				"CompressionMethod: 0 | FilterMethod: 0 | InterlaceMethod 0",
		},
		{name: "end", chunk: iend(), data: "''"},
		{name: "time", chunk: newChunk(TypeTIME, tm), data: "Last modification: 5 Mar. 2020 14:7:9"},
		{name: "gamma", chunk: gama(45455), data: "0.45455"},
		{name: "palette hidden", chunk: plte(RGB{1, 2, 3}), data: ""},
		{name: "palette shown", chunk: plte(RGB{1, 2, 3}, RGB{255, 0, 9}), opts: DescribeOptions{ShowPLTE: true}, data: "(1, 2, 3) (255, 0, 9)"},
		{name: "image data hidden", chunk: newChunk(TypeIDAT, []byte{0x78, 0x9c}), data: ""},
		{name: "image data shown", chunk: newChunk(TypeIDAT, []byte{0x78, 0x9c}), opts: DescribeOptions{ShowIDAT: true}, data: "78 9c"},
		{name: "text", chunk: newChunk("tEXt", []byte("Author\x00me")), data: "Author\x00me"},
		{name: "international text", chunk: newChunk("iTXt", []byte("hello")), data: "hello"},
		{name: "unknown", chunk: newChunk("bKGD", []byte{0, 255}), data: "00 ff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := append([]byte(nil), tt.chunk.Data...)

			got := Describe(tt.chunk, tt.opts)
			want := fmt.Sprintf("Length: %d\nType: %s\nData: %s\nCRC: %s\n",
				tt.chunk.Length, tt.chunk.Type, tt.data, hexBytes(crcBytes(tt.chunk.CRC)))
			assert.Equal(t, want, got)
			assert.Equal(t, before, tt.chunk.Data)
		})
	}
}

func TestDescribe_Chromaticity(t *testing.T) {
	data := make([]byte, 32)
	for i, v := range []uint32{31270, 32900, 64000, 33000, 30000, 60000, 15000, 6000} {
		binary.BigEndian.PutUint32(data[4*i:], v)
	}

	got := Describe(newChunk(TypeCHRM, data), DescribeOptions{})
	for _, want := range []string{"Red", "Green", "Blue", "WhitePoint", "0.64", "0.3127", "0.329"} {
		assert.Contains(t, got, want)
	}

	lines := strings.Split(got, "\n")
	// Header line, then the table header and x, y, z rows.
	assert.True(t, strings.HasPrefix(lines[2], "Data: "))
	assert.True(t, strings.HasPrefix(strings.TrimSpace(lines[4]), "x"))
	assert.True(t, strings.HasPrefix(strings.TrimSpace(lines[6]), "z"))
}

func TestHexBytes(t *testing.T) {
	assert.Equal(t, "", hexBytes(nil))
	assert.Equal(t, "0a", hexBytes([]byte{10}))
	assert.Equal(t, "de ad be ef", hexBytes([]byte{0xde, 0xad, 0xbe, 0xef}))
}
