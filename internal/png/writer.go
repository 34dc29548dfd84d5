package png

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// EmitOptions controls EmitContainer.
type EmitOptions struct {
	// CompressionLevel is the zlib level for the single IDAT chunk. Zero
	// selects zlib.DefaultCompression.
	CompressionLevel int
}

// colorTypeFor picks the color type of an emitted image from its channel
// count.
func colorTypeFor(channels int) (uint8, error) {
	switch channels {
	case 1:
		return ColorGreyscale, nil
	case 2:
		return ColorGreyscaleAlpha, nil
	case 3:
		return ColorTruecolor, nil
	case 4:
		return ColorTruecolorAlpha, nil
	}
	return 0, fmt.Errorf("%w: cannot emit %d channels per pixel", ErrUnsupported, channels)
}

// EmitContainer writes a minimal PNG holding pixels in a single IDAT chunk,
// every row with filter type None, and appends overflow verbatim after IEND.
// A zero BitDepth means 8. A zero Channels is derived from BytesPerPixel.
func EmitContainer(w io.Writer, pixels, overflow []byte, layout Layout, opts EmitOptions) error {
	if layout.BitDepth == 0 {
		layout.BitDepth = 8
	}
	if layout.Channels == 0 {
		if layout.BitDepth < 8 {
			layout.Channels = 1
		} else {
			layout.Channels = layout.BytesPerPixel * 8 / layout.BitDepth
		}
	}
	colorType, err := colorTypeFor(layout.Channels)
	if err != nil {
		return err
	}
	if layout.Width <= 0 || layout.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", layout.Width, layout.Height)
	}
	stride := layout.Stride()
	if want := layout.Height * stride; len(pixels) != want {
		return fmt.Errorf("pixel stream has %d bytes, want %d for %dx%d", len(pixels), want, layout.Width, layout.Height)
	}

	level := opts.CompressionLevel
	if level == 0 {
		level = zlib.DefaultCompression
	}
	var compressed bytes.Buffer
	zw, err := zlib.NewWriterLevel(&compressed, level)
	if err != nil {
		return fmt.Errorf("failed to create zlib writer: %w", err)
	}
	filterByte := []byte{ftNone}
	for r := 0; r < layout.Height; r++ {
		if _, err := zw.Write(filterByte); err != nil {
			return fmt.Errorf("failed to compress row %d: %w", r, err)
		}
		if _, err := zw.Write(pixels[r*stride : (r+1)*stride]); err != nil {
			return fmt.Errorf("failed to compress row %d: %w", r, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish compression: %w", err)
	}

	header := make([]byte, 13)
	binary.BigEndian.PutUint32(header[0:4], uint32(layout.Width))
	binary.BigEndian.PutUint32(header[4:8], uint32(layout.Height))
	header[8] = uint8(layout.BitDepth)
	header[9] = colorType

	cw := &chunkWriter{w: w}
	cw.writeSignature()
	cw.write(newChunk(TypeIHDR, header))
	cw.write(newChunk(TypeIDAT, compressed.Bytes()))
	cw.write(newChunk(TypeIEND, nil))
	cw.writeRaw(overflow)
	return cw.err
}

// WriteClean writes a copy of img holding only the critical chunks: IHDR,
// PLTE for indexed-color images, IDAT and IEND. Chunks are copied byte for
// byte, original checksums included.
func WriteClean(w io.Writer, img *Image) error {
	h, ok := img.Header()
	if !ok {
		return violation(RuleIHDRCount, 0, "exactly one IHDR chunk is required")
	}
	keep := map[ChunkType]bool{TypeIHDR: true, TypeIDAT: true, TypeIEND: true}
	if h.ColorType == ColorIndexed {
		keep[TypePLTE] = true
	}

	cw := &chunkWriter{w: w}
	cw.writeSignature()
	for i := range img.Chunks {
		if keep[img.Chunks[i].Type] {
			cw.write(img.Chunks[i])
		}
	}
	return cw.err
}

// chunkWriter remembers the first write error so callers check once.
type chunkWriter struct {
	w   io.Writer
	err error
}

func (cw *chunkWriter) writeRaw(b []byte) {
	if cw.err != nil || len(b) == 0 {
		return
	}
	_, cw.err = cw.w.Write(b)
}

func (cw *chunkWriter) writeSignature() {
	cw.writeRaw([]byte(Signature))
}

func (cw *chunkWriter) write(c Chunk) {
	cw.writeRaw(c.Bytes())
}
