// Package debugger renders heatmaps, boxes and blended overlays for
// inspecting a detector while it trains, and shows or saves them.
package debugger

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/tsawler/go-ctdet/decode"
	"github.com/tsawler/go-ctdet/tensor"
)

// Theme selects the background the debug images are tuned for.
type Theme string

const (
	ThemeBlack Theme = "black"
	ThemeWhite Theme = "white"
)

// ErrStopRequested is returned by ShowAllImgs when the user pressed Esc.
var ErrStopRequested = errors.New("debug display closed by user")

// Debugger holds a set of named images. It is not safe for concurrent use.
type Debugger struct {
	imgs      map[string]*image.RGBA
	order     []string
	theme     Theme
	colors    []rgb8
	names     ClassNames
	downRatio int
	display   Display
}

type Option func(*Debugger)

func WithTheme(theme Theme) Option {
	return func(d *Debugger) { d.theme = theme }
}

func WithNames(names ClassNames) Option {
	return func(d *Debugger) { d.names = names }
}

func WithDownRatio(ratio int) Option {
	return func(d *Debugger) { d.downRatio = ratio }
}

func WithDisplay(display Display) Option {
	return func(d *Debugger) { d.display = display }
}

// New returns an empty debugger. Defaults: black theme, VisDrone names,
// down ratio 4 and DefaultDisplay.
func New(opts ...Option) *Debugger {
	d := &Debugger{
		imgs:      make(map[string]*image.RGBA),
		theme:     ThemeBlack,
		names:     VisDroneNames,
		downRatio: 4,
	}
	for _, o := range opts {
		o(d)
	}
	if d.display == nil {
		d.display = DefaultDisplay()
	}
	d.colors = themeColors(d.theme)
	return d
}

func (d *Debugger) put(id string, img *image.RGBA) {
	if _, ok := d.imgs[id]; !ok {
		d.order = append(d.order, id)
	}
	d.imgs[id] = img
}

// Image returns the named image.
func (d *Debugger) Image(id string) (*image.RGBA, bool) {
	img, ok := d.imgs[id]
	return img, ok
}

// IDs lists the image ids in insertion order.
func (d *Debugger) IDs() []string {
	return append([]string(nil), d.order...)
}

// classColor returns the drawing color of a class, inverted for the white
// theme.
func (d *Debugger) classColor(cat int) rgb8 {
	if cat < 0 {
		cat = -cat
	}
	c := d.colors[cat%len(d.colors)]
	if d.theme == ThemeWhite {
		c = c.invert()
	}
	return c
}

// AddImg stores a copy of img under id, optionally color inverted.
func (d *Debugger) AddImg(img image.Image, id string, revertColor bool) {
	out := toRGBA(img)
	if revertColor {
		invertRGBA(out)
	}
	d.put(id, out)
}

// AddMask blends a [H, W] mask in [0, 1] over bg: mask*255*trans + bg*(1-trans).
func (d *Debugger) AddMask(mask *tensor.Tensor, bg image.Image, id string, trans float64) error {
	if len(mask.Shape) != 2 {
		return fmt.Errorf("mask must be [H, W], got %v", mask.Shape)
	}
	md, err := mask.GetFloat32Data()
	if err != nil {
		return err
	}
	h, w := mask.Shape[0], mask.Shape[1]
	b := toRGBA(bg)
	if b.Bounds().Dx() != w || b.Bounds().Dy() != h {
		return fmt.Errorf("mask %dx%d does not match background %v", w, h, b.Bounds().Size())
	}
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			m := float64(md[y*w+x]) * 255 * trans
			bc := b.RGBAAt(x, y)
			out.SetRGBA(x, y, color.RGBA{
				R: clampByte(m + float64(bc.R)*(1-trans)),
				G: clampByte(m + float64(bc.G)*(1-trans)),
				B: clampByte(m + float64(bc.B)*(1-trans)),
				A: 255,
			})
		}
	}
	d.put(id, out)
	return nil
}

// AddBlendImg stores back*(1-trans) + fore*trans under id. fore is resized
// to back and inverted under the white theme.
func (d *Debugger) AddBlendImg(back, fore image.Image, id string, trans float64) {
	b := toRGBA(back)
	size := b.Bounds().Size()
	f := toRGBA(fore)
	if d.theme == ThemeWhite {
		invertRGBA(f)
	}
	if f.Bounds().Size() != size {
		f = resize(f, size.X, size.Y)
	}

	out := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			bc, fc := b.RGBAAt(x, y), f.RGBAAt(x, y)
			out.SetRGBA(x, y, color.RGBA{
				R: clampByte(float64(bc.R)*(1-trans) + float64(fc.R)*trans),
				G: clampByte(float64(bc.G)*(1-trans) + float64(fc.G)*trans),
				B: clampByte(float64(bc.B)*(1-trans) + float64(fc.B)*trans),
				A: 255,
			})
		}
	}
	d.put(id, out)
}

// GenColormap projects a [C, H, W] heatmap to one false-color image: each
// channel is tinted with its class color and the brightest tint wins. The
// result is resized to outW x outH, or to the heatmap size times the down
// ratio when either is zero.
func (d *Debugger) GenColormap(hm *tensor.Tensor, outW, outH int) (*image.RGBA, error) {
	if len(hm.Shape) != 3 {
		return nil, fmt.Errorf("heatmap must be [C, H, W], got %v", hm.Shape)
	}
	data, err := hm.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	c, h, w := hm.Shape[0], hm.Shape[1], hm.Shape[2]
	if outW <= 0 || outH <= 0 {
		outW, outH = w*d.downRatio, h*d.downRatio
	}

	colors := make([]rgb8, c)
	for i := range colors {
		colors[i] = d.colors[i%len(d.colors)]
		if d.theme == ThemeWhite {
			colors[i] = colors[i].invert()
		}
	}

	cm := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var px rgb8
			for ci := 0; ci < c; ci++ {
				v := float64(data[(ci*h+y)*w+x])
				for ch := 0; ch < 3; ch++ {
					if t := v * colors[ci][ch]; t > px[ch] {
						px[ch] = t
					}
				}
			}
			cm.SetRGBA(x, y, color.RGBA{R: clampByte(px[0]), G: clampByte(px[1]), B: clampByte(px[2]), A: 255})
		}
	}
	if outW == w && outH == h {
		return cm, nil
	}
	return resize(cm, outW, outH), nil
}

// AddCocoBBox draws a box for class cat on image id, with a "name score"
// label above it when showTxt is set.
func (d *Debugger) AddCocoBBox(bbox [4]float32, cat int, conf float32, showTxt bool, id string) error {
	img, ok := d.imgs[id]
	if !ok {
		return fmt.Errorf("no image %q to draw on", id)
	}
	x1, y1, x2, y2 := int(bbox[0]), int(bbox[1]), int(bbox[2]), int(bbox[3])
	c := d.classColor(cat).rgba()

	drawRect(img, x1, y1, x2, y2, 2, c)
	if showTxt {
		txt := fmt.Sprintf("%s%.1f", d.names.Name(cat), conf)
		tw, th := textSize(txt)
		fillRect(img, x1, y1-th-2, x1+tw, y1-2, c)
		drawText(img, txt, x1, y1-2, color.RGBA{A: 255})
	}
	return nil
}

// CenterDetection is a center-format detection: center, score and size.
type CenterDetection struct {
	X, Y  float32
	Score float32
	W, H  float32
	Class int
}

// AddCtDetection marks every detection above centerThresh with a dot at its
// center scaled by the down ratio, plus its box when showBox is set.
func (d *Debugger) AddCtDetection(img image.Image, dets []CenterDetection, showBox, showTxt bool, centerThresh float32, id string) error {
	d.put(id, toRGBA(img))
	for _, det := range dets {
		if det.Score <= centerThresh {
			continue
		}
		r := float32(d.downRatio)
		fillCircle(d.imgs[id], int(det.X)*d.downRatio, int(det.Y)*d.downRatio, 3, d.classColor(det.Class).rgba())
		if showBox {
			x, y, w, h := det.X*r, det.Y*r, det.W*r, det.H*r
			box := [4]float32{x - w/2, y - h/2, x + w/2, y + h/2}
			if err := d.AddCocoBBox(box, det.Class, det.Score, showTxt, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// AddCtDetectionByClass draws boxes for center-format detections grouped
// under 1-based class keys. Coordinates are already in image space.
func (d *Debugger) AddCtDetectionByClass(img image.Image, dets map[int][]CenterDetection, showBox, showTxt bool, centerThresh float32, id string) error {
	d.put(id, toRGBA(img))
	if !showBox {
		return nil
	}
	for _, cat := range sortedKeys(dets) {
		for _, det := range dets[cat] {
			if det.Score <= centerThresh {
				continue
			}
			box := [4]float32{det.X - det.W/2, det.Y - det.H/2, det.X + det.W/2, det.Y + det.H/2}
			if err := d.AddCocoBBox(box, cat-1, det.Score, showTxt, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Add2DDetection draws post-processed boxes grouped under 1-based class
// keys.
func (d *Debugger) Add2DDetection(img image.Image, dets map[int][]decode.Detection, showTxt bool, centerThresh float32, id string) error {
	d.put(id, toRGBA(img))
	for _, cat := range sortedKeys(dets) {
		for _, b := range dets[cat] {
			if b.Score <= centerThresh {
				continue
			}
			if err := d.AddCocoBBox([4]float32{b.X1, b.Y1, b.X2, b.Y2}, cat-1, b.Score, showTxt, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// RemoveSide crops image id to the non-black extent of img.
func (d *Debugger) RemoveSide(id string, img image.Image) {
	stored, ok := d.imgs[id]
	if !ok {
		return
	}
	rect, ok := nonZeroBounds(toRGBA(img))
	if !ok {
		return
	}
	rect = rect.Intersect(stored.Bounds())
	cropped := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	for y := 0; y < rect.Dy(); y++ {
		for x := 0; x < rect.Dx(); x++ {
			cropped.SetRGBA(x, y, stored.RGBAAt(rect.Min.X+x, rect.Min.Y+y))
		}
	}
	d.imgs[id] = cropped
}

// ShowImg shows one image, waiting for a key press when pause is set.
func (d *Debugger) ShowImg(id string, pause bool) error {
	img, ok := d.imgs[id]
	if !ok {
		return fmt.Errorf("no image %q to show", id)
	}
	if err := d.display.Show(id, img); err != nil {
		return err
	}
	if pause {
		_, err := d.display.WaitKey(true)
		return err
	}
	return nil
}

// ShowAllImgs shows every image and waits for a key. Esc yields
// ErrStopRequested.
func (d *Debugger) ShowAllImgs(pause bool) error {
	for _, id := range d.order {
		if err := d.display.Show(id, d.imgs[id]); err != nil {
			return fmt.Errorf("show %s: %v", id, err)
		}
	}
	key, err := d.display.WaitKey(pause)
	if err != nil {
		return err
	}
	if key == KeyEscape {
		return ErrStopRequested
	}
	return nil
}

// SaveImg writes image id to dir/<id>.png.
func (d *Debugger) SaveImg(id, dir string) error {
	img, ok := d.imgs[id]
	if !ok {
		return fmt.Errorf("no image %q to save", id)
	}
	return writePNG(filepath.Join(dir, id+".png"), img)
}

// SaveAllImgs writes every image to dir/<prefix><id>.png. With genID the
// prefix is a sequence number kept in dir/id.txt.
func (d *Debugger) SaveAllImgs(dir, prefix string, genID bool) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create debug dir %s: %v", dir, err)
	}
	if genID {
		idFile := filepath.Join(dir, "id.txt")
		idx := 0
		if raw, err := os.ReadFile(idFile); err == nil {
			if v, err := strconv.Atoi(strings.TrimSpace(string(raw))); err == nil {
				idx = v
			}
		}
		prefix = strconv.Itoa(idx)
		if err := os.WriteFile(idFile, []byte(strconv.Itoa(idx+1)+"\n"), 0644); err != nil {
			return fmt.Errorf("write %s: %v", idFile, err)
		}
	}
	for _, id := range d.order {
		if err := writePNG(filepath.Join(dir, prefix+id+".png"), d.imgs[id]); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{"dir": dir, "prefix": prefix, "count": len(d.order)}).Debug("saved debug images")
	return nil
}

// Close releases the display.
func (d *Debugger) Close() error {
	return d.display.Close()
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %v", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %v", path, err)
	}
	return f.Close()
}
