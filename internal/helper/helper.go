package helper

import (
	"math"
	"strconv"
	"strings"
)

// FormatPrice renders a price the way exchange REST bodies expect: plain
// decimal, no exponent, trailing zeros trimmed.
func FormatPrice(v float64) string {
	s := strconv.FormatFloat(v, 'f', 8, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// FormatSize is FormatPrice with coarser precision for contract sizes.
func FormatSize(v float64) string {
	s := strconv.FormatFloat(v, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

func RoundDownToTick(px, tick float64) float64 {
	if tick <= 0 {
		return px
	}
	steps := math.Floor(px/tick + 1e-12)
	return steps * tick
}

func RoundUpToTick(px, tick float64) float64 {
	if tick <= 0 {
		return px
	}
	steps := math.Ceil(px/tick - 1e-12)
	return steps * tick
}

// ApplyOffset prices a protective leg relative to the fill price.
// offset is fractional: 0.01 = 1%. up moves the level above the fill.
func ApplyOffset(fillPrice, offset float64, up bool) float64 {
	if up {
		return fillPrice * (1 + offset)
	}
	return fillPrice * (1 - offset)
}
