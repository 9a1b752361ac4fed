package training

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ProgressBar renders a single-line epoch progress bar with a free-form
// suffix.
type ProgressBar struct {
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	out         io.Writer
	suffix      string
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(description string, total int, out io.Writer) *ProgressBar {
	return &ProgressBar{
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       32, // Character width of progress bar
		out:         out,
	}
}

// SetSuffix replaces the text printed after the bar.
func (pb *ProgressBar) SetSuffix(suffix string) {
	pb.suffix = suffix
}

// Suffix returns the current suffix.
func (pb *ProgressBar) Suffix() string {
	return pb.suffix
}

// Next advances the bar by one step and redraws it.
func (pb *ProgressBar) Next() {
	pb.current++
	pb.render()
}

// Elapsed is the time since the bar was created.
func (pb *ProgressBar) Elapsed() time.Duration {
	return time.Since(pb.startTime)
}

// ETA estimates the time left from the average step duration.
func (pb *ProgressBar) ETA(step int) time.Duration {
	if step <= 0 || step >= pb.total {
		return 0
	}
	elapsed := pb.Elapsed()
	return time.Duration(float64(elapsed) / float64(step) * float64(pb.total-step))
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	if pb.out == nil {
		return
	}
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("#", filled) + strings.Repeat(" ", pb.width-filled)

	fmt.Fprintf(pb.out, "\r%s |%s| %s", pb.description, bar, pb.suffix)
}

// formatDuration formats duration as H:MM:SS
func formatDuration(d time.Duration) string {
	s := int(d.Seconds())
	return fmt.Sprintf("%d:%02d:%02d", s/3600, (s/60)%60, s%60)
}
