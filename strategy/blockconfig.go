package strategy

import (
	"slices"

	"github.com/sarchlab/npuc/config"
	"github.com/sarchlab/npuc/util"
)

// SortBlockConfigs orders block configs so the most efficient come first.
//
// Configs the whole output plane fits in come first, smallest area first.
// The others are ordered by the size of the partial blocks left at the edges
// of the output, largest first. Ties prefer the block dimension matching the
// larger kernel dimension.
func SortBlockConfigs(
	configs []config.BlockConfig,
	outputShape util.TensorShape,
	weightsShape util.TensorShape,
) []config.BlockConfig {
	res := slices.Clone(configs)
	h, w := outputShape.Height(), outputShape.Width()
	kh, kw := weightsShape[0], weightsShape[1]

	less := func(a, b config.BlockConfig) bool {
		aFits := h <= a.Height && w <= a.Width
		bFits := h <= b.Height && w <= b.Width

		switch {
		case aFits && bFits:
			return a.Area() < b.Area()
		case aFits != bFits:
			return aFits
		}

		remA := h%a.Height + w%a.Width
		remB := h%b.Height + w%b.Width
		if remA != remB {
			return remA > remB
		}

		if kw > kh {
			return a.Width > b.Width || (a.Width == b.Width && a.Height > b.Height)
		}
		return a.Height > b.Height || (a.Height == b.Height && a.Width > b.Width)
	}

	slices.SortStableFunc(res, func(a, b config.BlockConfig) int {
		switch {
		case less(a, b):
			return -1
		case less(b, a):
			return 1
		}
		return 0
	})

	return res
}

// sortByWidthThenHeight orders block configs widest first, then tallest.
func sortByWidthThenHeight(configs []config.BlockConfig) []config.BlockConfig {
	res := slices.Clone(configs)
	slices.SortStableFunc(res, func(a, b config.BlockConfig) int {
		if a.Width != b.Width {
			return int(b.Width) - int(a.Width)
		}
		return int(b.Height) - int(a.Height)
	})
	return res
}
