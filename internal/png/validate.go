package png

// allowedDepths maps each color type to the bit depths it permits.
var allowedDepths = map[uint8][]uint8{
	ColorGreyscale:      {1, 2, 4, 8, 16},
	ColorTruecolor:      {8, 16},
	ColorIndexed:        {1, 2, 4, 8},
	ColorGreyscaleAlpha: {8, 16},
	ColorTruecolorAlpha: {8, 16},
}

// Validate enforces the container-wide chunk invariants. It never modifies
// img, so repeated calls give the same result and the same rule on failure.
func Validate(img *Image) error {
	checks := []func(*Image) error{
		validateHeader,
		validateColorSpace,
		validatePalette,
		validateImageData,
		validateEnd,
		validateTime,
	}
	for _, check := range checks {
		if err := check(img); err != nil {
			return err
		}
	}
	return nil
}

func validateHeader(img *Image) error {
	if n := img.Counts[TypeIHDR]; n != 1 {
		return violation(RuleIHDRCount, n, "exactly one IHDR chunk is required")
	}
	if len(img.Chunks) == 0 || img.Chunks[0].Type != TypeIHDR {
		return violation(RuleIHDRFirst, img.index(TypeIHDR), "IHDR must be the first chunk")
	}
	h, ok := img.Chunks[0].Payload.(*Header)
	if !ok {
		return violation(RuleIHDRFirst, img.Chunks[0].Length, "IHDR payload could not be parsed")
	}

	if h.Width <= 0 {
		return violation(RuleIHDRWidth, h.Width, "image width must be > 0")
	}
	if h.Height <= 0 {
		return violation(RuleIHDRHeight, h.Height, "image height must be > 0")
	}
	if !containsDepth([]uint8{1, 2, 4, 8, 16}, h.BitDepth) {
		return violation(RuleIHDRBitDepth, h.BitDepth, "bit depth must be one of 1, 2, 4, 8, 16")
	}
	depths, ok := allowedDepths[h.ColorType]
	if !ok {
		return violation(RuleIHDRColorType, h.ColorType, "color type must be one of 0, 2, 3, 4, 6")
	}
	if !containsDepth(depths, h.BitDepth) {
		return violation(RuleIHDRDepthColor, [2]uint8{h.ColorType, h.BitDepth},
			"color type %d allows bit depths %v", h.ColorType, depths)
	}
	if h.CompressionMethod != 0 {
		return violation(RuleIHDRCompression, h.CompressionMethod, "only compression method 0 is supported")
	}
	if h.FilterMethod != 0 {
		return violation(RuleIHDRFilter, h.FilterMethod, "only filter method 0 is supported")
	}
	if h.InterlaceMethod != 0 {
		return violation(RuleIHDRInterlace, h.InterlaceMethod, "only interlace method 0 is supported")
	}
	return nil
}

// validateColorSpace checks cHRM and gAMA multiplicity and placement.
func validateColorSpace(img *Image) error {
	firstPLTE := img.index(TypePLTE)
	firstIDAT := img.index(TypeIDAT)

	rules := []struct {
		typ   ChunkType
		count Rule
		order Rule
	}{
		{TypeCHRM, RuleCHRMCount, RuleCHRMOrder},
		{TypeGAMA, RuleGAMACount, RuleGAMAOrder},
	}
	for _, r := range rules {
		n := img.Counts[r.typ]
		if n == 0 {
			continue
		}
		if n != 1 {
			return violation(r.count, n, "at most one %s chunk is allowed", r.typ)
		}
		at := img.index(r.typ)
		if firstPLTE >= 0 && at > firstPLTE {
			return violation(r.order, at, "%s must precede PLTE (index %d)", r.typ, firstPLTE)
		}
		if firstIDAT >= 0 && at > firstIDAT {
			return violation(r.order, at, "%s must precede the first IDAT (index %d)", r.typ, firstIDAT)
		}
	}
	return nil
}

func validatePalette(img *Image) error {
	h, _ := img.Header()
	n := img.Counts[TypePLTE]
	if n == 0 {
		if h.ColorType == ColorIndexed {
			return violation(RulePLTERequired, h.ColorType, "indexed-color images need a PLTE chunk")
		}
		return nil
	}
	if n != 1 {
		return violation(RulePLTECount, n, "at most one PLTE chunk is allowed")
	}
	switch h.ColorType {
	case ColorIndexed, ColorTruecolor, ColorTruecolorAlpha:
	default:
		return violation(RulePLTEColorType, h.ColorType, "PLTE is not allowed for color type %d", h.ColorType)
	}

	at := img.index(TypePLTE)
	if firstIDAT := img.index(TypeIDAT); firstIDAT >= 0 && at > firstIDAT {
		return violation(RulePLTEOrder, at, "PLTE must precede the first IDAT (index %d)", firstIDAT)
	}
	plte := img.Chunks[at]
	if plte.Length%3 != 0 {
		return violation(RulePLTELength, plte.Length, "PLTE length must be divisible by 3")
	}
	entries := int(plte.Length / 3)
	if limit := 1 << h.BitDepth; entries > limit {
		return violation(RulePLTEEntries, entries, "palette allows at most %d entries for bit depth %d", limit, h.BitDepth)
	}
	return nil
}

func validateImageData(img *Image) error {
	if img.Counts[TypeIDAT] == 0 {
		return violation(RuleIDATMissing, 0, "at least one IDAT chunk is required")
	}
	first := img.index(TypeIDAT)
	for i := first; i < first+img.Counts[TypeIDAT]; i++ {
		if i >= len(img.Chunks) || img.Chunks[i].Type != TypeIDAT {
			return violation(RuleIDATContiguous, i, "IDAT chunks must be consecutive")
		}
	}
	return nil
}

func validateEnd(img *Image) error {
	if n := img.Counts[TypeIEND]; n != 1 {
		return violation(RuleIENDCount, n, "exactly one IEND chunk is required")
	}
	at := img.index(TypeIEND)
	if l := img.Chunks[at].Length; l != 0 {
		return violation(RuleIENDLength, l, "IEND payload must be empty")
	}
	if at != len(img.Chunks)-1 {
		return violation(RuleIENDLast, at, "IEND must be the last chunk")
	}
	return nil
}

func validateTime(img *Image) error {
	if n := img.Counts[TypeTIME]; n > 1 {
		return violation(RuleTIMECount, n, "at most one tIME chunk is allowed")
	}
	return nil
}

func containsDepth(depths []uint8, d uint8) bool {
	for _, v := range depths {
		if v == d {
			return true
		}
	}
	return false
}
