//go:build gocv

package debugger

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// WindowDisplay shows debug images in OpenCV windows, one per image id.
type WindowDisplay struct {
	windows map[string]*gocv.Window
	last    *gocv.Window
}

func NewWindowDisplay() *WindowDisplay {
	return &WindowDisplay{windows: make(map[string]*gocv.Window)}
}

// toMat converts img to an 8-bit BGR Mat.
func toMat(img image.Image) (gocv.Mat, error) {
	b := img.Bounds()
	buf := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			buf = append(buf, byte(bl>>8), byte(g>>8), byte(r>>8))
		}
	}
	return gocv.NewMatFromBytes(b.Dy(), b.Dx(), gocv.MatTypeCV8UC3, buf)
}

func (d *WindowDisplay) Show(id string, img image.Image) error {
	mat, err := toMat(img)
	if err != nil {
		return fmt.Errorf("convert %s for display: %v", id, err)
	}
	defer mat.Close()

	w, ok := d.windows[id]
	if !ok {
		w = gocv.NewWindow(id)
		d.windows[id] = w
	}
	w.IMShow(mat)
	d.last = w
	return nil
}

func (d *WindowDisplay) WaitKey(pause bool) (int, error) {
	if d.last == nil {
		return -1, nil
	}
	delay := 1
	if pause {
		delay = 0
	}
	return d.last.WaitKey(delay), nil
}

func (d *WindowDisplay) Close() error {
	for id, w := range d.windows {
		if err := w.Close(); err != nil {
			return fmt.Errorf("close window %s: %v", id, err)
		}
		delete(d.windows, id)
	}
	d.last = nil
	return nil
}

// DefaultDisplay opens OpenCV windows.
func DefaultDisplay() Display {
	return NewWindowDisplay()
}
