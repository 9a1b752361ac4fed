package training

// AverageMeter tracks the latest value and the weighted running average of
// a metric.
type AverageMeter struct {
	Val   float64
	Sum   float64
	Count float64
	avg   float64
}

func NewAverageMeter() *AverageMeter {
	return &AverageMeter{}
}

// Reset clears the meter.
func (m *AverageMeter) Reset() {
	*m = AverageMeter{}
}

// Update records val observed n times.
func (m *AverageMeter) Update(val float64, n int) {
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += float64(n)
	if m.Count > 0 {
		m.avg = m.Sum / m.Count
	}
}

// Avg is Sum/Count, or 0 before any weighted update.
func (m *AverageMeter) Avg() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.avg
}

// MeterSet is an ordered group of named meters.
type MeterSet struct {
	names  []string
	meters map[string]*AverageMeter
}

func NewMeterSet(names []string) *MeterSet {
	s := &MeterSet{meters: make(map[string]*AverageMeter, len(names))}
	for _, n := range names {
		s.names = append(s.names, n)
		s.meters[n] = NewAverageMeter()
	}
	return s
}

// Get returns the named meter, creating it on first use.
func (s *MeterSet) Get(name string) *AverageMeter {
	m, ok := s.meters[name]
	if !ok {
		m = NewAverageMeter()
		s.meters[name] = m
		s.names = append(s.names, name)
	}
	return m
}

// Names lists the meters in creation order.
func (s *MeterSet) Names() []string {
	return append([]string(nil), s.names...)
}

// Averages returns the current average of every meter.
func (s *MeterSet) Averages() map[string]float64 {
	out := make(map[string]float64, len(s.names))
	for _, n := range s.names {
		out[n] = s.meters[n].Avg()
	}
	return out
}
