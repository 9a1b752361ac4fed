//go:build !gocv

package debugger

// DefaultDisplay is headless unless the binary is built with the gocv tag.
func DefaultDisplay() Display {
	return HeadlessDisplay{}
}
