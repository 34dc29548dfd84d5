package png

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"
)

// ihdr builds an IHDR chunk with default compression, filter and interlace.
func ihdr(width, height int32, depth, colorType uint8) Chunk {
	return newChunk(TypeIHDR, ihdrData(width, height, depth, colorType))
}

func ihdrData(width, height int32, depth, colorType uint8) []byte {
	data := make([]byte, 13)
	binary.BigEndian.PutUint32(data[0:4], uint32(width))
	binary.BigEndian.PutUint32(data[4:8], uint32(height))
	data[8] = depth
	data[9] = colorType
	return data
}

func gama(v uint32) Chunk {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, v)
	return newChunk(TypeGAMA, data)
}

func plte(entries ...RGB) Chunk {
	data := make([]byte, 0, 3*len(entries))
	for _, e := range entries {
		data = append(data, e.R, e.G, e.B)
	}
	return newChunk(TypePLTE, data)
}

func iend() Chunk { return newChunk(TypeIEND, nil) }

// imageOf assembles an undecoded chunk sequence into an Image.
func imageOf(chunks ...Chunk) *Image {
	img := newImage()
	for _, c := range chunks {
		img.add(c)
	}
	return img
}

// encodeFile serialises chunks behind the PNG signature.
func encodeFile(chunks ...Chunk) []byte {
	var buf bytes.Buffer
	buf.WriteString(Signature)
	for i := range chunks {
		buf.Write(chunks[i].Bytes())
	}
	return buf.Bytes()
}

// deflate zlib-compresses raw scanlines.
func deflate(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// filterRows applies the forward scanline filters to a pixel stream. Row r
// uses filters[r%len(filters)].
func filterRows(pixels []byte, layout Layout, filters ...byte) []byte {
	stride := layout.Stride()
	bpp := layout.BytesPerPixel
	out := make([]byte, 0, layout.Height*(1+stride))
	prior := make([]byte, stride)
	for r := 0; r < layout.Height; r++ {
		cur := pixels[r*stride : (r+1)*stride]
		ft := filters[r%len(filters)]
		out = append(out, ft)
		for c := range cur {
			var a, b, pc byte
			b = prior[c]
			if c >= bpp {
				a = cur[c-bpp]
				pc = prior[c-bpp]
			}
			switch ft {
			case ftNone:
				out = append(out, cur[c])
			case ftSub:
				out = append(out, cur[c]-a)
			case ftUp:
				out = append(out, cur[c]-b)
			case ftAverage:
				out = append(out, cur[c]-uint8((int(a)+int(b))/2))
			case ftPaeth:
				out = append(out, cur[c]-paeth(a, b, pc))
			default:
				out = append(out, cur[c])
			}
		}
		prior = cur
	}
	return out
}

// encodePixels builds a complete single-IDAT file for the given header and
// pixel stream.
func encodePixels(t *testing.T, header Chunk, pixels []byte, extra []Chunk, filters ...byte) []byte {
	t.Helper()
	h := header.Payload.(*Header)
	if len(filters) == 0 {
		filters = []byte{ftNone}
	}
	raw := filterRows(pixels, layoutFor(h), filters...)
	chunks := append([]Chunk{header}, extra...)
	chunks = append(chunks, newChunk(TypeIDAT, deflate(t, raw)), iend())
	return encodeFile(chunks...)
}

// decodeValid decodes and validates, failing the test on error.
func decodeValid(t *testing.T, data []byte) *Image {
	t.Helper()
	img, err := Decode(bytes.NewReader(data), DecodeOptions{VerifyCRC: true})
	require.NoError(t, err)
	require.NoError(t, Validate(img))
	return img
}
