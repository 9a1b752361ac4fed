package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserve(t *testing.T) {
	m := New(prometheus.Labels{"exp_id": "test"})

	m.ObserveIteration("train")
	m.ObserveIteration("train")
	m.ObserveIteration("val")
	m.ObserveEpoch("train", 3, map[string]float64{"loss": 1.5, "hm_loss": 1.0}, 90*time.Second, 1.25e-4)
	m.ObserveDebugError()

	if got := testutil.ToFloat64(m.iterations.WithLabelValues("train")); got != 2 {
		t.Errorf("train iterations = %v, expected 2", got)
	}
	if got := testutil.ToFloat64(m.loss.WithLabelValues("train", "hm_loss")); got != 1.0 {
		t.Errorf("hm_loss = %v, expected 1", got)
	}
	if got := testutil.ToFloat64(m.epochDuration.WithLabelValues("train")); got != 90 {
		t.Errorf("epoch duration = %v, expected 90", got)
	}
	if got := testutil.ToFloat64(m.lr); got != 1.25e-4 {
		t.Errorf("lr = %v, expected 1.25e-4", got)
	}
	if got := testutil.ToFloat64(m.debugErrors); got != 1 {
		t.Errorf("debug errors = %v, expected 1", got)
	}
}

func TestHandler(t *testing.T) {
	m := New(nil)
	m.ObserveEpoch("val", 5, map[string]float64{"loss": 2}, time.Second, 0.1)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	for _, want := range []string{`ctdet_loss{phase="val",term="loss"} 2`, "ctdet_epoch 5"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
