package debugger

import (
	"fmt"
	"strings"
)

// ClassNames maps a zero-based class index to a display name.
type ClassNames interface {
	Name(cat int) string
	Len() int
}

// NameTable is a ClassNames backed by a slice.
type NameTable []string

func (n NameTable) Name(cat int) string {
	if cat < 0 || cat >= len(n) {
		return fmt.Sprintf("cls%d", cat)
	}
	return n[cat]
}

func (n NameTable) Len() int {
	return len(n)
}

var (
	VisDroneNames = NameTable{
		"pedestrian", "people", "bicycle", "car", "van",
		"truck", "tricycle", "awning-tricycle", "bus", "motor",
	}
	UAVDTNames = NameTable{"car", "truck", "bus"}
)

// NamesFor returns the class table of a known dataset.
func NamesFor(dataset string) (ClassNames, error) {
	switch strings.ToLower(dataset) {
	case "visdrone":
		return VisDroneNames, nil
	case "uavdt":
		return UAVDTNames, nil
	default:
		return nil, fmt.Errorf("no class names for dataset %q", dataset)
	}
}
