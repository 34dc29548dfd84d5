package png

import (
	"encoding/hex"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"
)

// DescribeOptions selects which bulky payloads Describe prints.
type DescribeOptions struct {
	ShowIDAT bool
	ShowPLTE bool
}

// Describe renders a chunk for display. It never modifies the chunk.
func Describe(c Chunk, opts DescribeOptions) string {
	return fmt.Sprintf("Length: %d\nType: %s\nData: %s\nCRC: %s\n",
		c.Length, c.Type, describeData(c, opts), hexBytes(crcBytes(c.CRC)))
}

// DescribeData renders only the payload part of Describe.
func DescribeData(c Chunk, opts DescribeOptions) string {
	return describeData(c, opts)
}

func describeData(c Chunk, opts DescribeOptions) string {
	switch p := c.Payload.(type) {
	case *Header:
		return fmt.Sprintf("Width: %d | Height: %d | BitDepth: %d | ColorType: %d | "+
			"CompressionMethod: %d | FilterMethod: %d | InterlaceMethod %d",
			p.Width, p.Height, p.BitDepth, p.ColorType,
			p.CompressionMethod, p.FilterMethod, p.InterlaceMethod)
	case Palette:
		if !opts.ShowPLTE {
			return ""
		}
		entries := make([]string, len(p))
		for i, e := range p {
			entries[i] = fmt.Sprintf("(%d, %d, %d)", e.R, e.G, e.B)
		}
		return strings.Join(entries, " ")
	case ImageData:
		if !opts.ShowIDAT {
			return ""
		}
		return hexBytes(c.Data)
	case End:
		return "''"
	case *Timestamp:
		return fmt.Sprintf("Last modification: %d %s. %d %d:%d:%d",
			p.Day, monthAbbr(p.Month), p.Year, p.Hour, p.Minute, p.Second)
	case Gamma:
		return fmt.Sprintf("%g", p.Value())
	case *Chromaticity:
		return "\n" + chromaticityTable(p)
	}

	// Text chunks (tEXt, zTXt, iTXt) print as text when they decode cleanly.
	if strings.Contains(string(c.Type), "Xt") && utf8.Valid(c.Data) {
		return string(c.Data)
	}
	return hexBytes(c.Data)
}

func chromaticityTable(p *Chromaticity) string {
	scale := func(v int32) float64 { return float64(v) / 100000 }
	type point struct{ x, y float64 }
	points := []point{
		{scale(p.RedX), scale(p.RedY)},
		{scale(p.GreenX), scale(p.GreenY)},
		{scale(p.BlueX), scale(p.BlueY)},
		{scale(p.WhiteX), scale(p.WhiteY)},
	}

	var sb strings.Builder
	tw := tabwriter.NewWriter(&sb, 0, 4, 1, ' ', tabwriter.Debug)
	fmt.Fprintln(tw, "\tRed\tGreen\tBlue\tWhitePoint\t")
	rows := []struct {
		name string
		val  func(point) float64
	}{
		{"x", func(pt point) float64 { return pt.x }},
		{"y", func(pt point) float64 { return pt.y }},
		{"z", func(pt point) float64 { return 1 - pt.x - pt.y }},
	}
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t", row.name)
		for _, pt := range points {
			fmt.Fprintf(tw, "%.5g\t", row.val(pt))
		}
		fmt.Fprintln(tw)
	}
	tw.Flush()
	return strings.TrimRight(sb.String(), "\n")
}

func monthAbbr(m uint8) string {
	if m < 1 || m > 12 {
		return fmt.Sprintf("month(%d)", m)
	}
	return time.Month(m).String()[:3]
}

func crcBytes(crc uint32) []byte {
	return []byte{byte(crc >> 24), byte(crc >> 16), byte(crc >> 8), byte(crc)}
}

// hexBytes formats b as space separated hex pairs.
func hexBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	s := hex.EncodeToString(b)
	var sb strings.Builder
	sb.Grow(len(s) + len(b))
	for i := 0; i < len(s); i += 2 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(s[i : i+2])
	}
	return sb.String()
}
