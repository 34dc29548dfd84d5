package png

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// DefaultMaxChunkLength is the largest chunk length the PNG spec allows.
const DefaultMaxChunkLength = 1<<31 - 1

// DecodeOptions controls the chunk stream decoder.
type DecodeOptions struct {
	// VerifyCRC rejects chunks whose stored checksum does not match.
	VerifyCRC bool
	// KeepTrailer stops decoding at IEND and stores every following byte in
	// Image.Trailer instead of parsing it as further chunks.
	KeepTrailer bool
	// MaxChunkLength bounds the declared payload length. Zero means
	// DefaultMaxChunkLength.
	MaxChunkLength uint32
	// Logger receives per-chunk debug output. Nil disables logging.
	Logger logrus.FieldLogger
}

// countingReader tracks the stream offset for error reporting.
type countingReader struct {
	r   io.Reader
	off int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.off += int64(n)
	return n, err
}

// Decode reads a PNG signature followed by chunk records until the end of
// the stream and returns the decoded chunk sequence. The result is not
// validated; call Validate before reconstructing pixels.
func Decode(r io.Reader, opts DecodeOptions) (*Image, error) {
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	maxLen := opts.MaxChunkLength
	if maxLen == 0 {
		maxLen = DefaultMaxChunkLength
	}

	cr := &countingReader{r: r}
	if err := checkSignature(cr); err != nil {
		return nil, err
	}

	img := newImage()
	for {
		c, done, err := readChunk(cr, maxLen, opts.VerifyCRC)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}

		logger.WithField("type", string(c.Type)).Debugf("Creating %s chunk", c.Type)
		if g, ok := c.Payload.(Gamma); ok && g == 0 {
			logger.Warn("Gamma shouldn't have value 0")
		}
		img.add(c)

		if opts.KeepTrailer && c.Type == TypeIEND {
			trailer, err := io.ReadAll(cr)
			if err != nil {
				return nil, fmt.Errorf("failed to read trailer: %w", err)
			}
			img.Trailer = trailer
			break
		}
	}
	return img, nil
}

func checkSignature(cr *countingReader) error {
	var sig [len(Signature)]byte
	if _, err := io.ReadFull(cr, sig[:]); err != nil {
		if isTruncation(err) {
			return &FormatError{Reason: "truncated signature", Offset: cr.off}
		}
		return err
	}
	if string(sig[:]) != Signature {
		return &FormatError{Reason: "not a PNG file", Offset: 0}
	}
	return nil
}

// readChunk reads one length/type/data/crc record. done is true when the
// stream ended cleanly before a new record started.
func readChunk(cr *countingReader, maxLen uint32, verify bool) (c Chunk, done bool, err error) {
	start := cr.off
	var buf [4]byte

	n, err := io.ReadFull(cr, buf[:])
	if n == 0 && err == io.EOF {
		return Chunk{}, true, nil
	}
	if err != nil {
		return Chunk{}, false, truncated(err, "chunk length", start)
	}
	length := binary.BigEndian.Uint32(buf[:])
	if length > maxLen {
		return Chunk{}, false, &FormatError{Reason: fmt.Sprintf("bad chunk length: %d", length), Offset: start}
	}

	if _, err := io.ReadFull(cr, buf[:]); err != nil {
		return Chunk{}, false, truncated(err, "chunk type", start)
	}
	typ := ChunkType(buf[:])

	// Read through a limit so a lying length cannot force a huge allocation.
	var data bytes.Buffer
	if _, err := io.Copy(&data, io.LimitReader(cr, int64(length))); err != nil {
		return Chunk{}, false, err
	}
	if uint32(data.Len()) != length {
		return Chunk{}, false, &FormatError{
			Reason: fmt.Sprintf("truncated %s data: want %d bytes, got %d", typ, length, data.Len()),
			Offset: start,
		}
	}

	if _, err := io.ReadFull(cr, buf[:]); err != nil {
		return Chunk{}, false, truncated(err, string(typ)+" checksum", start)
	}
	crc := binary.BigEndian.Uint32(buf[:])
	if verify && crc != checksum(typ, data.Bytes()) {
		return Chunk{}, false, &FormatError{Reason: fmt.Sprintf("invalid %s checksum", typ), Offset: start}
	}

	payload, err := parsePayload(typ, data.Bytes())
	if err != nil {
		return Chunk{}, false, &FormatError{Reason: err.Error(), Offset: start}
	}

	return Chunk{
		Length:  length,
		Type:    typ,
		Data:    data.Bytes(),
		CRC:     crc,
		Payload: payload,
	}, false, nil
}

func isTruncation(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func truncated(err error, what string, offset int64) error {
	if isTruncation(err) {
		return &FormatError{Reason: "truncated " + what, Offset: offset}
	}
	return err
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
