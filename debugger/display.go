package debugger

import (
	"image"

	log "github.com/sirupsen/logrus"
)

// KeyEscape is the key code that asks the debugger to stop showing images.
const KeyEscape = 27

// Display is an interactive surface for debug images.
type Display interface {
	Show(id string, img image.Image) error
	// WaitKey blocks until a key press when pause is set, otherwise it polls
	// once. It returns the key code or -1.
	WaitKey(pause bool) (int, error)
	Close() error
}

// HeadlessDisplay is used when no window system is available. It only logs.
type HeadlessDisplay struct{}

func (HeadlessDisplay) Show(id string, img image.Image) error {
	b := img.Bounds()
	log.WithFields(log.Fields{
		"img_id": id,
		"width":  b.Dx(),
		"height": b.Dy(),
	}).Debug("headless display, image not shown")
	return nil
}

func (HeadlessDisplay) WaitKey(bool) (int, error) {
	return -1, nil
}

func (HeadlessDisplay) Close() error {
	return nil
}
