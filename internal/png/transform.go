package png

import (
	"math"

	"github.com/sirupsen/logrus"
)

// TransformOptions controls ApplyColorTransforms.
type TransformOptions struct {
	// SkipGamma disables gamma normalisation even when gAMA is present.
	SkipGamma bool
	Logger    logrus.FieldLogger
}

// ApplyColorTransforms expands palette indices to RGB triples and applies
// gAMA normalisation to a reconstructed image, in that order. The pixel
// stream and geometry fields of img are replaced in place.
func ApplyColorTransforms(img *Image, opts TransformOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	h, ok := img.Header()
	if !ok {
		return violation(RuleIHDRCount, 0, "exactly one IHDR chunk is required")
	}

	if h.ColorType == ColorIndexed {
		if err := expandPalette(img, h); err != nil {
			return err
		}
	}

	if opts.SkipGamma {
		if img.Has(TypeGAMA) {
			logger.Debug("Gamma correction disabled, skipping gAMA")
		}
		return nil
	}
	c := img.First(TypeGAMA)
	if c == nil {
		return nil
	}
	g, _ := c.Payload.(Gamma)
	if g == 0 {
		logger.Warn("Gamma shouldn't have value 0, skipping gamma correction")
		return nil
	}
	logger.WithField("gamma", g.Value()).Debug("Applying gamma correction")
	applyGamma(img, g.Value())
	return nil
}

// expandPalette replaces every index with the RGB triple it refers to.
func expandPalette(img *Image, h *Header) error {
	c := img.First(TypePLTE)
	if c == nil {
		return violation(RulePLTERequired, h.ColorType, "indexed-color images need a PLTE chunk")
	}
	palette, _ := c.Payload.(Palette)

	layout := img.Layout()
	out := make([]byte, 0, layout.Width*layout.Height*3)
	err := forEachSample(img.Pixels, layout, func(idx int) error {
		if idx >= len(palette) {
			return corruption("palette index %d out of range (%d entries)", idx, len(palette))
		}
		e := palette[idx]
		out = append(out, e.R, e.G, e.B)
		return nil
	})
	if err != nil {
		return err
	}

	img.Pixels = out
	img.BytesPerPixel = 3
	img.Channels = 3
	img.BitDepth = 8
	return nil
}

// applyGamma rescales every sample by (s/max)^(1/gamma), rounding to the
// nearest integer.
func applyGamma(img *Image, gamma float64) {
	layout := img.Layout()
	maxVal := float64(uint32(1)<<layout.BitDepth - 1)
	table := make([]uint16, 1<<layout.BitDepth)
	for s := range table {
		v := math.Pow(float64(s)/maxVal, 1/gamma) * maxVal
		table[s] = uint16(math.Floor(v + 0.5))
	}

	switch {
	case layout.BitDepth == 8:
		for i, s := range img.Pixels {
			img.Pixels[i] = uint8(table[s])
		}
	case layout.BitDepth == 16:
		for i := 0; i+1 < len(img.Pixels); i += 2 {
			v := table[uint16(img.Pixels[i])<<8|uint16(img.Pixels[i+1])]
			img.Pixels[i] = uint8(v >> 8)
			img.Pixels[i+1] = uint8(v)
		}
	default:
		out := make([]byte, len(img.Pixels))
		stride := layout.Stride()
		depth := uint(layout.BitDepth)
		perRow := layout.Width * layout.Channels
		for r := 0; r < layout.Height; r++ {
			row := img.Pixels[r*stride : (r+1)*stride]
			dst := out[r*stride : (r+1)*stride]
			for i := 0; i < perRow; i++ {
				s := subByteSample(row, i, depth)
				bit := uint(i) * depth
				shift := 8 - depth - bit%8
				dst[bit/8] |= uint8(table[s]) << shift
			}
		}
		img.Pixels = out
	}
}

// forEachSample walks the samples of a single-channel pixel stream row by
// row, unpacking sub-byte depths and skipping row padding bits.
func forEachSample(pixels []byte, layout Layout, fn func(int) error) error {
	stride := layout.Stride()
	perRow := layout.Width * layout.Channels
	depth := uint(layout.BitDepth)
	for r := 0; r < layout.Height; r++ {
		row := pixels[r*stride : (r+1)*stride]
		for i := 0; i < perRow; i++ {
			var s int
			switch depth {
			case 8:
				s = int(row[i])
			case 16:
				s = int(row[2*i])<<8 | int(row[2*i+1])
			default:
				s = subByteSample(row, i, depth)
			}
			if err := fn(s); err != nil {
				return err
			}
		}
	}
	return nil
}

// subByteSample extracts sample i of a row packed at depth bits per sample,
// most significant bits first.
func subByteSample(row []byte, i int, depth uint) int {
	bit := uint(i) * depth
	shift := 8 - depth - bit%8
	return int(row[bit/8]>>shift) & (1<<depth - 1)
}
