package debugger

import (
	"fmt"
	"image"
	"image/color"
	"maps"
	"slices"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/tsawler/go-ctdet/tensor"
)

var labelFace font.Face = basicfont.Face7x13

func (c rgb8) rgba() color.RGBA {
	return color.RGBA{R: clampByte(c[0]), G: clampByte(c[1]), B: clampByte(c[2]), A: 255}
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v)
}

// toRGBA copies img into a new RGBA anchored at the origin.
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

func invertRGBA(img *image.RGBA) {
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255 - img.Pix[i]
		img.Pix[i+1] = 255 - img.Pix[i+1]
		img.Pix[i+2] = 255 - img.Pix[i+2]
	}
}

func resize(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func fillRect(img *image.RGBA, x1, y1, x2, y2 int, c color.RGBA) {
	r := image.Rect(x1, y1, x2+1, y2+1).Intersect(img.Bounds())
	draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
}

// drawRect draws the outline of a box with the given line thickness
// centered on its edges.
func drawRect(img *image.RGBA, x1, y1, x2, y2, thickness int, c color.RGBA) {
	lo := -thickness / 2
	hi := lo + thickness - 1
	fillRect(img, x1+lo, y1+lo, x2+hi, y1+hi, c)
	fillRect(img, x1+lo, y2+lo, x2+hi, y2+hi, c)
	fillRect(img, x1+lo, y1+lo, x1+hi, y2+hi, c)
	fillRect(img, x2+lo, y1+lo, x2+hi, y2+hi, c)
}

func fillCircle(img *image.RGBA, cx, cy, r int, c color.RGBA) {
	for y := -r; y <= r; y++ {
		for x := -r; x <= r; x++ {
			if x*x+y*y <= r*r {
				img.SetRGBA(cx+x, cy+y, c)
			}
		}
	}
}

// textSize returns the width and ascent of txt in the label face.
func textSize(txt string) (int, int) {
	return font.MeasureString(labelFace, txt).Ceil(), labelFace.Metrics().Ascent.Ceil()
}

// drawText writes txt with its baseline at (x, y).
func drawText(img *image.RGBA, txt string, x, y int, c color.RGBA) {
	dr := font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: labelFace,
		Dot:  fixed.P(x, y),
	}
	dr.DrawString(txt)
}

// nonZeroBounds returns the smallest rectangle holding every pixel that is
// not pure black.
func nonZeroBounds(img *image.RGBA) (image.Rectangle, bool) {
	b := img.Bounds()
	minX, minY, maxX, maxY := b.Max.X, b.Max.Y, b.Min.X-1, b.Min.Y-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			p := img.RGBAAt(x, y)
			if p.R == 0 && p.G == 0 && p.B == 0 {
				continue
			}
			minX, maxX = min(minX, x), max(maxX, x)
			minY, maxY = min(minY, y), max(maxY, y)
		}
	}
	if maxX < minX {
		return image.Rectangle{}, false
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), true
}

func sortedKeys[V any](m map[int]V) []int {
	return slices.Sorted(maps.Keys(m))
}

// TensorToImage converts image n of a normalized [N, C, H, W] batch back to
// 8-bit pixels using (v*std + mean) * 255. One-channel inputs become gray.
func TensorToImage(t *tensor.Tensor, n int, mean, std []float32) (*image.RGBA, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("expected [N, C, H, W], got %v", t.Shape)
	}
	c, h, w := t.Shape[1], t.Shape[2], t.Shape[3]
	if n < 0 || n >= t.Shape[0] {
		return nil, fmt.Errorf("image index %d out of range for batch of %d", n, t.Shape[0])
	}
	if c != 1 && c != 3 {
		return nil, fmt.Errorf("expected 1 or 3 channels, got %d", c)
	}
	if len(mean) < c || len(std) < c {
		return nil, fmt.Errorf("need %d mean/std values, got %d/%d", c, len(mean), len(std))
	}
	data, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	base := n * c * h * w
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var px [3]uint8
			for ch := 0; ch < 3; ch++ {
				src := ch
				if c == 1 {
					src = 0
				}
				v := data[base+(src*h+y)*w+x]*std[src] + mean[src]
				px[ch] = clampByte(float64(v) * 255)
			}
			out.SetRGBA(x, y, color.RGBA{R: px[0], G: px[1], B: px[2], A: 255})
		}
	}
	return out, nil
}
