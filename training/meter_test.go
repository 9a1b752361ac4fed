package training

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestAverageMeter(t *testing.T) {
	m := NewAverageMeter()
	if m.Avg() != 0 {
		t.Errorf("empty meter Avg = %v, expected 0", m.Avg())
	}

	m.Update(2, 3)
	m.Update(4, 1)
	if m.Val != 4 {
		t.Errorf("Val = %v, expected 4", m.Val)
	}
	if m.Count != 4 || m.Sum != 10 {
		t.Errorf("Sum/Count = %v/%v, expected 10/4", m.Sum, m.Count)
	}
	if m.Avg() != 2.5 {
		t.Errorf("Avg = %v, expected 2.5", m.Avg())
	}

	m.Update(7, 0)
	if m.Avg() != 2.5 || m.Val != 7 {
		t.Errorf("zero-weight update changed the average: Avg %v Val %v", m.Avg(), m.Val)
	}

	m.Reset()
	if m.Avg() != 0 || m.Count != 0 {
		t.Errorf("Reset left Avg %v Count %v", m.Avg(), m.Count)
	}
}

func TestMeterSet(t *testing.T) {
	s := NewMeterSet([]string{"loss", "hm_loss"})
	s.Get("loss").Update(1, 2)
	s.Get("extra").Update(3, 1)

	names := s.Names()
	if len(names) != 3 || names[0] != "loss" || names[2] != "extra" {
		t.Errorf("Names = %v", names)
	}
	avgs := s.Averages()
	if avgs["loss"] != 1 || avgs["hm_loss"] != 0 || avgs["extra"] != 3 {
		t.Errorf("Averages = %v", avgs)
	}
}

func TestProgressBar(t *testing.T) {
	var out bytes.Buffer
	pb := NewProgressBar("ctdet/exp", 4, &out)
	pb.SetSuffix("train: [1][0/4]")
	pb.Next()
	if !strings.Contains(out.String(), "ctdet/exp |########") || !strings.Contains(out.String(), "train: [1][0/4]") {
		t.Errorf("unexpected bar: %q", out.String())
	}
	if pb.Suffix() != "train: [1][0/4]" {
		t.Errorf("Suffix = %q", pb.Suffix())
	}
	if pb.ETA(0) != 0 || pb.ETA(4) != 0 {
		t.Error("ETA should be 0 before the first step and after the last")
	}
	pb.Finish()
	if !strings.HasSuffix(out.String(), "\n") {
		t.Error("Finish should end the line")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00:00"},
		{59 * time.Second, "0:00:59"},
		{61 * time.Minute, "1:01:00"},
		{25*time.Hour + 2*time.Second, "25:00:02"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, expected %q", tt.d, got, tt.want)
		}
	}
}
