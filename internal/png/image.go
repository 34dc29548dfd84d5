package png

// Image is a decoded container: the ordered chunk sequence plus, once
// reconstructed, the raw pixel stream.
type Image struct {
	Chunks []Chunk
	// Counts maps each chunk type to the number of times it occurs.
	Counts map[ChunkType]int
	// Trailer holds bytes found after IEND when decoding with KeepTrailer.
	Trailer []byte

	// Pixels is the flat row-major pixel stream, set by Reconstruct and
	// replaced by ApplyColorTransforms.
	Pixels        []byte
	BytesPerPixel int
	Channels      int
	BitDepth      int

	order []ChunkType
}

func newImage() *Image {
	return &Image{Counts: make(map[ChunkType]int)}
}

func (img *Image) add(c Chunk) {
	if _, seen := img.Counts[c.Type]; !seen {
		img.order = append(img.order, c.Type)
	}
	img.Chunks = append(img.Chunks, c)
	img.Counts[c.Type]++
}

// Header returns the payload of the first IHDR chunk.
func (img *Image) Header() (*Header, bool) {
	c := img.First(TypeIHDR)
	if c == nil {
		return nil, false
	}
	h, ok := c.Payload.(*Header)
	return h, ok
}

// First returns the first chunk of the given type, or nil.
func (img *Image) First(typ ChunkType) *Chunk {
	for i := range img.Chunks {
		if img.Chunks[i].Type == typ {
			return &img.Chunks[i]
		}
	}
	return nil
}

// All returns every chunk of the given type in sequence order.
func (img *Image) All(typ ChunkType) []Chunk {
	var out []Chunk
	for _, c := range img.Chunks {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

// Has reports whether at least one chunk of the given type exists.
func (img *Image) Has(typ ChunkType) bool {
	return img.Counts[typ] > 0
}

// index returns the position of the first chunk of typ, or -1.
func (img *Image) index(typ ChunkType) int {
	for i, c := range img.Chunks {
		if c.Type == typ {
			return i
		}
	}
	return -1
}

// TypeCount is one row of a chunk summary.
type TypeCount struct {
	Type  ChunkType
	Count int
}

// Summary returns the per-type chunk counts in first-seen order.
func (img *Image) Summary() []TypeCount {
	out := make([]TypeCount, 0, len(img.order))
	for _, typ := range img.order {
		out = append(out, TypeCount{Type: typ, Count: img.Counts[typ]})
	}
	return out
}

// Layout returns the pixel geometry of the current pixel stream.
func (img *Image) Layout() Layout {
	var l Layout
	if h, ok := img.Header(); ok {
		l.Width = int(h.Width)
		l.Height = int(h.Height)
	}
	l.BytesPerPixel = img.BytesPerPixel
	l.Channels = img.Channels
	l.BitDepth = img.BitDepth
	return l
}

// Layout describes how a flat pixel stream maps onto rows.
type Layout struct {
	Width         int
	Height        int
	BytesPerPixel int
	Channels      int
	BitDepth      int
}

// Stride returns the number of bytes in one unfiltered row.
func (l Layout) Stride() int {
	return (l.Width*l.Channels*l.BitDepth + 7) / 8
}

// layoutFor derives the filter geometry from an image header.
func layoutFor(h *Header) Layout {
	channels := h.Channels()
	bitsPerPixel := channels * int(h.BitDepth)
	bpp := bitsPerPixel / 8
	if bpp < 1 {
		bpp = 1
	}
	return Layout{
		Width:         int(h.Width),
		Height:        int(h.Height),
		BytesPerPixel: bpp,
		Channels:      channels,
		BitDepth:      int(h.BitDepth),
	}
}
