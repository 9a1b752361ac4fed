package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tsawler/go-ctdet/config"
)

// PlotType represents different types of plots that can be generated
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	PrecisionRecall      PlotType = "precision_recall"
)

// PlotData is a self-describing plot written as JSON next to the
// checkpoints.
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData represents a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line", "scatter"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint represents a single data point
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Label string      `json:"label,omitempty"`
}

// PlotConfig contains plot-specific configuration
type PlotConfig struct {
	XAxisLabel string `json:"x_axis_label"`
	YAxisLabel string `json:"y_axis_label"`
	XAxisScale string `json:"x_axis_scale"` // "linear", "log"
	YAxisScale string `json:"y_axis_scale"` // "linear", "log"
	ShowLegend bool   `json:"show_legend"`
	ShowGrid   bool   `json:"show_grid"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

type epochPoint struct {
	epoch int
	stats map[string]float64
}

// VisualizationCollector records epoch reports and evaluation curves and
// renders them as PlotData.
type VisualizationCollector struct {
	modelName string
	mu        sync.Mutex

	train         []epochPoint
	val           []epochPoint
	learningRates []DataPoint
	prCurves      map[int][]PRPoint
	classNames    map[int]string
}

// NewVisualizationCollector creates an empty collector.
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{
		modelName:  modelName,
		prCurves:   make(map[int][]PRPoint),
		classNames: make(map[int]string),
	}
}

// RecordEpoch stores the report of one epoch of phase.
func (vc *VisualizationCollector) RecordEpoch(phase config.Phase, epoch int, res *EpochResult) {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	stats := make(map[string]float64, len(res.Stats))
	for k, v := range res.Stats {
		stats[k] = v
	}
	p := epochPoint{epoch: epoch, stats: stats}
	if phase == config.PhaseTrain {
		vc.train = append(vc.train, p)
		vc.learningRates = append(vc.learningRates, DataPoint{X: epoch, Y: res.LR})
	} else {
		vc.val = append(vc.val, p)
	}
}

// RecordPRCurve stores the precision-recall curve of class.
func (vc *VisualizationCollector) RecordPRCurve(class int, name string, points []PRPoint) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.prCurves[class] = append([]PRPoint(nil), points...)
	vc.classNames[class] = name
}

func lossSeries(prefix string, points []epochPoint, dashed bool) []SeriesData {
	names := make(map[string]bool)
	for _, p := range points {
		for k := range p.stats {
			names[k] = true
		}
	}
	keys := make([]string, 0, len(names))
	for k := range names {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	series := make([]SeriesData, 0, len(keys))
	for _, k := range keys {
		s := SeriesData{
			Name:  fmt.Sprintf("%s %s", prefix, k),
			Type:  "line",
			Style: map[string]interface{}{"line_width": 2},
		}
		if dashed {
			s.Style["line_style"] = "dashed"
		}
		for _, p := range points {
			if v, ok := p.stats[k]; ok {
				s.Data = append(s.Data, DataPoint{X: p.epoch, Y: v})
			}
		}
		series = append(series, s)
	}
	return series
}

// GenerateTrainingCurvesPlot plots every loss term per epoch, validation
// terms dashed.
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	series := lossSeries("train", vc.train, false)
	series = append(series, lossSeries("val", vc.val, true)...)
	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Loss",
			XAxisScale: "linear",
			YAxisScale: "log",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     600,
		},
	}
}

// GenerateLearningRateSchedulePlot plots the learning rate of each
// training epoch.
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{{
			Name:  "Learning Rate",
			Type:  "line",
			Data:  append([]DataPoint(nil), vc.learningRates...),
			Style: map[string]interface{}{"color": "#6C5CE7", "line_width": 2},
		}},
		Config: PlotConfig{
			XAxisLabel: "Epoch",
			YAxisLabel: "Learning Rate",
			XAxisScale: "linear",
			YAxisScale: "log",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      800,
			Height:     400,
		},
	}
}

// GeneratePrecisionRecallPlot plots one curve per recorded class.
func (vc *VisualizationCollector) GeneratePrecisionRecallPlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	classes := make([]int, 0, len(vc.prCurves))
	for c := range vc.prCurves {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	series := make([]SeriesData, 0, len(classes))
	for _, c := range classes {
		s := SeriesData{Name: vc.classNames[c], Type: "line"}
		for _, p := range vc.prCurves[c] {
			s.Data = append(s.Data, DataPoint{X: p.Recall, Y: p.Precision})
		}
		series = append(series, s)
	}
	return PlotData{
		PlotType:  PrecisionRecall,
		Title:     fmt.Sprintf("Precision-Recall Curve - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel: "Recall",
			YAxisLabel: "Precision",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			ShowGrid:   true,
			Width:      600,
			Height:     600,
		},
	}
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	return string(jsonData), nil
}

// WritePlots writes every non-empty plot to dir as <plot_type>.json and
// returns the written paths.
func (vc *VisualizationCollector) WritePlots(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	var written []string
	for _, pd := range []PlotData{
		vc.GenerateTrainingCurvesPlot(),
		vc.GenerateLearningRateSchedulePlot(),
		vc.GeneratePrecisionRecallPlot(),
	} {
		if len(pd.Series) == 0 || len(pd.Series[0].Data) == 0 {
			continue
		}
		data, err := pd.ToJSON()
		if err != nil {
			return written, err
		}
		path := filepath.Join(dir, string(pd.PlotType)+".json")
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

// Clear resets all collected data
func (vc *VisualizationCollector) Clear() {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.train = vc.train[:0]
	vc.val = vc.val[:0]
	vc.learningRates = vc.learningRates[:0]
	vc.prCurves = make(map[int][]PRPoint)
	vc.classNames = make(map[int]string)
}
