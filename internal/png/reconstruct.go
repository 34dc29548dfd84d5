package png

import (
	"bytes"
	"io"
	"math"
	"math/bits"

	"github.com/klauspost/compress/zlib"
)

// Filter types, as per the PNG spec.
const (
	ftNone    = 0
	ftSub     = 1
	ftUp      = 2
	ftAverage = 3
	ftPaeth   = 4
)

// Reconstruct inflates the concatenated IDAT payloads of a validated image
// and reverses the per-scanline filters. The raw pixel stream is stored in
// img.Pixels and also returned.
func Reconstruct(img *Image) ([]byte, error) {
	h, ok := img.Header()
	if !ok {
		return nil, violation(RuleIHDRCount, 0, "exactly one IHDR chunk is required")
	}

	layout := layoutFor(h)
	stride := layout.Stride()
	want, ok := filteredSize(layout.Height, stride)
	if !ok {
		return nil, corruption("image of %d rows of 1+%d bytes is too large", layout.Height, stride)
	}

	raw, err := inflate(img, want)
	if err != nil {
		return nil, err
	}
	if len(raw) != want {
		return nil, corruption("decompressed size %d, want %d (%d rows of 1+%d bytes)",
			len(raw), want, layout.Height, stride)
	}

	pixels, err := unfilter(raw, layout.Height, stride, layout.BytesPerPixel)
	if err != nil {
		return nil, err
	}

	img.Pixels = pixels
	img.BytesPerPixel = layout.BytesPerPixel
	img.Channels = layout.Channels
	img.BitDepth = layout.BitDepth
	return pixels, nil
}

// filteredSize returns the length of height filtered rows of 1+stride
// bytes. ok is false when it does not fit in an int.
func filteredSize(height, stride int) (int, bool) {
	if height < 0 || stride < 0 || stride == math.MaxInt {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(height), uint64(stride)+1)
	if hi != 0 || lo >= math.MaxInt {
		return 0, false
	}
	return int(lo), true
}

// inflate decompresses the concatenated IDAT payloads, reading at most one
// byte more than want so oversized streams are rejected early.
func inflate(img *Image, want int) ([]byte, error) {
	var compressed bytes.Buffer
	for _, c := range img.All(TypeIDAT) {
		compressed.Write(c.Data)
	}

	zr, err := zlib.NewReader(&compressed)
	if err != nil {
		return nil, corruption("inflate: %v", err)
	}
	defer zr.Close()

	var out bytes.Buffer
	if _, err := io.Copy(&out, io.LimitReader(zr, int64(want)+1)); err != nil {
		return nil, corruption("inflate: %v", err)
	}
	if out.Len() > want {
		return nil, corruption("decompressed data exceeds %d bytes", want)
	}
	return out.Bytes(), nil
}

// unfilter reverses the scanline filters of height rows of 1+stride bytes.
// Neighbours come from the already reconstructed output, so the previous
// row of row 0 and the bytes left of column bpp are treated as zero.
func unfilter(raw []byte, height, stride, bpp int) ([]byte, error) {
	out := make([]byte, height*stride)
	prior := make([]byte, stride)

	for r := 0; r < height; r++ {
		line := raw[r*(1+stride) : (r+1)*(1+stride)]
		ft, filt := line[0], line[1:]
		cur := out[r*stride : (r+1)*stride]

		switch ft {
		case ftNone:
			copy(cur, filt)
		case ftSub:
			for c := range filt {
				var a byte
				if c >= bpp {
					a = cur[c-bpp]
				}
				cur[c] = filt[c] + a
			}
		case ftUp:
			for c := range filt {
				cur[c] = filt[c] + prior[c]
			}
		case ftAverage:
			for c := range filt {
				var a int
				if c >= bpp {
					a = int(cur[c-bpp])
				}
				cur[c] = filt[c] + uint8((a+int(prior[c]))/2)
			}
		case ftPaeth:
			for c := range filt {
				var a, pc byte
				if c >= bpp {
					a = cur[c-bpp]
					pc = prior[c-bpp]
				}
				cur[c] = filt[c] + paeth(a, prior[c], pc)
			}
		default:
			return nil, corruption("unknown filter type %d in row %d", ft, r)
		}
		prior = cur
	}
	return out, nil
}

// paeth returns whichever of a (left), b (above) or c (upper left) is
// closest to a+b-c. Ties go to a, then b.
func paeth(a, b, c uint8) uint8 {
	p := int(a) + int(b) - int(c)
	pa := abs(p - int(a))
	pb := abs(p - int(b))
	pc := abs(p - int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
