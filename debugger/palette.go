package debugger

import (
	colorful "github.com/lucasb-eyer/go-colorful"
)

// palette is the fixed per-class color table, channels in [0, 1].
var palette = [...]colorful.Color{
	{R: 1, G: 1, B: 1},
	{R: 0.85, G: 0.325, B: 0.098},
	{R: 0.929, G: 0.694, B: 0.125},
	{R: 0.494, G: 0.184, B: 0.556},
	{R: 0.466, G: 0.674, B: 0.188},
	{R: 0.301, G: 0.745, B: 0.933},
	{R: 0.635, G: 0.078, B: 0.184},
	{R: 0.3, G: 0.3, B: 0.3},
	{R: 0.6, G: 0.6, B: 0.6},
	{R: 1, G: 0, B: 0},
	{R: 1, G: 0.5, B: 0},
	{R: 0.749, G: 0.749, B: 0},
	{R: 0, G: 1, B: 0},
	{R: 0, G: 0, B: 1},
	{R: 0.667, G: 0, B: 1},
	{R: 0.333, G: 0.333, B: 0},
	{R: 0.333, G: 0.667, B: 0},
	{R: 0.333, G: 1, B: 0},
	{R: 0.667, G: 0.333, B: 0},
	{R: 0.667, G: 0.667, B: 0},
	{R: 0.667, G: 1, B: 0},
	{R: 1, G: 0.333, B: 0},
	{R: 1, G: 0.667, B: 0},
	{R: 1, G: 1, B: 0},
	{R: 0, G: 0.333, B: 0.5},
	{R: 0, G: 0.667, B: 0.5},
	{R: 0, G: 1, B: 0.5},
	{R: 0.333, G: 0, B: 0.5},
	{R: 0.333, G: 0.333, B: 0.5},
	{R: 0.333, G: 0.667, B: 0.5},
	{R: 0.333, G: 1, B: 0.5},
	{R: 0.667, G: 0, B: 0.5},
	{R: 0.667, G: 0.333, B: 0.5},
	{R: 0.667, G: 0.667, B: 0.5},
	{R: 0.667, G: 1, B: 0.5},
	{R: 1, G: 0, B: 0.5},
	{R: 1, G: 0.333, B: 0.5},
	{R: 1, G: 0.667, B: 0.5},
	{R: 1, G: 1, B: 0.5},
	{R: 0, G: 0.333, B: 1},
	{R: 0, G: 0.667, B: 1},
	{R: 0, G: 1, B: 1},
	{R: 0.333, G: 0, B: 1},
	{R: 0.333, G: 0.333, B: 1},
	{R: 0.333, G: 0.667, B: 1},
	{R: 0.333, G: 1, B: 1},
	{R: 0.667, G: 0, B: 1},
	{R: 0.667, G: 0.333, B: 1},
	{R: 0.667, G: 0.667, B: 1},
	{R: 0.667, G: 1, B: 1},
	{R: 1, G: 0, B: 1},
	{R: 1, G: 0.333, B: 1},
	{R: 1, G: 0.667, B: 1},
	{R: 0.167, G: 0, B: 0},
	{R: 0.333, G: 0, B: 0},
	{R: 0.5, G: 0, B: 0},
	{R: 0.667, G: 0, B: 0},
	{R: 0.833, G: 0, B: 0},
	{R: 1, G: 0, B: 0},
	{R: 0, G: 0.167, B: 0},
	{R: 0, G: 0.333, B: 0},
	{R: 0, G: 0.5, B: 0},
	{R: 0, G: 0.667, B: 0},
	{R: 0, G: 0.833, B: 0},
	{R: 0, G: 1, B: 0},
	{R: 0, G: 0, B: 0.167},
	{R: 0, G: 0, B: 0.333},
	{R: 0, G: 0, B: 0.5},
	{R: 0, G: 0, B: 0.667},
	{R: 0, G: 0, B: 0.833},
	{R: 0, G: 0, B: 1},
	{R: 0, G: 0, B: 0},
	{R: 0.143, G: 0.143, B: 0.143},
	{R: 0.286, G: 0.286, B: 0.286},
	{R: 0.429, G: 0.429, B: 0.429},
	{R: 0.571, G: 0.571, B: 0.571},
	{R: 0.714, G: 0.714, B: 0.714},
	{R: 0.857, G: 0.857, B: 0.857},
	{R: 0, G: 0.447, B: 0.741},
	{R: 0.5, G: 0.5, B: 0},
}

// PaletteSize is the number of distinct class colors.
const PaletteSize = len(palette)

// Palette returns the color for class index cat, wrapping past the end of
// the table.
func Palette(cat int) colorful.Color {
	if cat < 0 {
		cat = -cat
	}
	return palette[cat%PaletteSize]
}

// rgb8 holds a color as 0-255 channel values.
type rgb8 [3]float64

func toRGB8(c colorful.Color) rgb8 {
	return rgb8{float64(uint8(c.R * 255)), float64(uint8(c.G * 255)), float64(uint8(c.B * 255))}
}

func (c rgb8) invert() rgb8 {
	return rgb8{255 - c[0], 255 - c[1], 255 - c[2]}
}

// themeColors builds the per-class colors for a theme. The white theme
// walks the table back to front with the channel order reversed and caps
// every channel at 60% so the later inversion never produces near-white
// boxes.
func themeColors(theme Theme) []rgb8 {
	out := make([]rgb8, PaletteSize)
	for i, c := range palette {
		out[i] = toRGB8(c)
	}
	if theme != ThemeWhite {
		return out
	}

	flat := make([]float64, 0, 3*PaletteSize)
	for _, c := range out {
		flat = append(flat, c[0], c[1], c[2])
	}
	for i, j := 0, len(flat)-1; i < j; i, j = i+1, j-1 {
		flat[i], flat[j] = flat[j], flat[i]
	}
	for i := range out {
		for ch := 0; ch < 3; ch++ {
			v := flat[3*i+ch]
			if v > 0.6*255 {
				v = 0.6 * 255
			}
			out[i][ch] = float64(uint8(v))
		}
	}
	return out
}
