package png

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Signature is the fixed 8-byte prefix of every PNG stream.
const Signature = "\x89PNG\r\n\x1a\n"

// ChunkType is the 4-byte type tag of a chunk.
type ChunkType string

// Chunk types with a structured payload.
const (
	TypeIHDR ChunkType = "IHDR"
	TypePLTE ChunkType = "PLTE"
	TypeIDAT ChunkType = "IDAT"
	TypeIEND ChunkType = "IEND"
	TypeTIME ChunkType = "tIME"
	TypeGAMA ChunkType = "gAMA"
	TypeCHRM ChunkType = "cHRM"
)

// Color types, as per the PNG spec.
const (
	ColorGreyscale      = 0
	ColorTruecolor      = 2
	ColorIndexed        = 3
	ColorGreyscaleAlpha = 4
	ColorTruecolorAlpha = 6
)

// Field sizes of a chunk record. The payload size is the declared length.
const (
	lengthFieldLen = 4
	typeFieldLen   = 4
	crcFieldLen    = 4
)

// Chunk is one length-prefixed, type-tagged, checksummed record.
//
// Payload holds the parsed form of Data for the known chunk types and is nil
// for anything else. Chunks are never modified after decoding; rendering goes
// through Describe.
type Chunk struct {
	Length  uint32
	Type    ChunkType
	Data    []byte
	CRC     uint32
	Payload Payload
}

// Bytes returns the chunk as it appears on the wire.
func (c *Chunk) Bytes() []byte {
	out := make([]byte, 0, lengthFieldLen+typeFieldLen+len(c.Data)+crcFieldLen)
	out = binary.BigEndian.AppendUint32(out, c.Length)
	out = append(out, c.Type...)
	out = append(out, c.Data...)
	out = binary.BigEndian.AppendUint32(out, c.CRC)
	return out
}

// Payload is the closed set of parsed chunk payloads.
type Payload interface {
	chunkType() ChunkType
}

// Header is the IHDR payload.
type Header struct {
	Width             int32
	Height            int32
	BitDepth          uint8
	ColorType         uint8
	CompressionMethod uint8
	FilterMethod      uint8
	InterlaceMethod   uint8
}

// Channels returns the number of samples per pixel for the color type, or 0
// for an unknown color type.
func (h *Header) Channels() int {
	switch h.ColorType {
	case ColorGreyscale, ColorIndexed:
		return 1
	case ColorGreyscaleAlpha:
		return 2
	case ColorTruecolor:
		return 3
	case ColorTruecolorAlpha:
		return 4
	}
	return 0
}

// Palette is the PLTE payload. Trailing bytes that do not form a whole entry
// are dropped here; the validator reports them from the raw length.
type Palette []RGB

// RGB is a single palette entry.
type RGB struct {
	R, G, B uint8
}

// ImageData marks an IDAT chunk. The compressed bytes stay in Chunk.Data.
type ImageData struct{}

// End marks the IEND chunk.
type End struct{}

// Timestamp is the tIME payload.
type Timestamp struct {
	Year   int16
	Month  uint8
	Day    uint8
	Hour   uint8
	Minute uint8
	Second uint8
}

// Gamma is the gAMA payload, stored scaled by 100000.
type Gamma uint32

// Value returns the real-valued gamma.
func (g Gamma) Value() float64 { return float64(g) / 100000 }

// Chromaticity is the cHRM payload; every value is scaled by 100000.
type Chromaticity struct {
	WhiteX, WhiteY int32
	RedX, RedY     int32
	GreenX, GreenY int32
	BlueX, BlueY   int32
}

func (*Header) chunkType() ChunkType       { return TypeIHDR }
func (Palette) chunkType() ChunkType       { return TypePLTE }
func (ImageData) chunkType() ChunkType     { return TypeIDAT }
func (End) chunkType() ChunkType           { return TypeIEND }
func (*Timestamp) chunkType() ChunkType    { return TypeTIME }
func (Gamma) chunkType() ChunkType         { return TypeGAMA }
func (*Chromaticity) chunkType() ChunkType { return TypeCHRM }

// payloadSizes lists the exact payload length required for fixed-size chunks.
var payloadSizes = map[ChunkType]int{
	TypeIHDR: 13,
	TypeTIME: 7,
	TypeGAMA: 4,
	TypeCHRM: 32,
}

// parsePayload turns the raw bytes of a known chunk type into its payload.
// Unknown types yield a nil payload.
func parsePayload(typ ChunkType, data []byte) (Payload, error) {
	if want, ok := payloadSizes[typ]; ok && len(data) != want {
		return nil, fmt.Errorf("bad %s length: %d (want %d)", typ, len(data), want)
	}

	switch typ {
	case TypeIHDR:
		return &Header{
			Width:             int32(binary.BigEndian.Uint32(data[0:4])),
			Height:            int32(binary.BigEndian.Uint32(data[4:8])),
			BitDepth:          data[8],
			ColorType:         data[9],
			CompressionMethod: data[10],
			FilterMethod:      data[11],
			InterlaceMethod:   data[12],
		}, nil
	case TypePLTE:
		palette := make(Palette, len(data)/3)
		for i := range palette {
			palette[i] = RGB{R: data[3*i], G: data[3*i+1], B: data[3*i+2]}
		}
		return palette, nil
	case TypeIDAT:
		return ImageData{}, nil
	case TypeIEND:
		return End{}, nil
	case TypeTIME:
		return &Timestamp{
			Year:   int16(binary.BigEndian.Uint16(data[0:2])),
			Month:  data[2],
			Day:    data[3],
			Hour:   data[4],
			Minute: data[5],
			Second: data[6],
		}, nil
	case TypeGAMA:
		return Gamma(binary.BigEndian.Uint32(data)), nil
	case TypeCHRM:
		v := func(i int) int32 { return int32(binary.BigEndian.Uint32(data[4*i : 4*i+4])) }
		return &Chromaticity{
			WhiteX: v(0), WhiteY: v(1),
			RedX: v(2), RedY: v(3),
			GreenX: v(4), GreenY: v(5),
			BlueX: v(6), BlueY: v(7),
		}, nil
	}
	return nil, nil
}

// checksum computes the CRC-32 of a chunk's type and data.
func checksum(typ ChunkType, data []byte) uint32 {
	crc := crc32.ChecksumIEEE([]byte(typ))
	return crc32.Update(crc, crc32.IEEETable, data)
}

// newChunk builds a chunk with a correct length and checksum.
func newChunk(typ ChunkType, data []byte) Chunk {
	payload, _ := parsePayload(typ, data)
	return Chunk{
		Length:  uint32(len(data)),
		Type:    typ,
		Data:    data,
		CRC:     checksum(typ, data),
		Payload: payload,
	}
}
