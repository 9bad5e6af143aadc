package anomaly

import (
	"math"
	"testing"
	"time"
)

func TestComposeWeightedSum(t *testing.T) {
	at := time.Now()
	r := Compose("a1", at, 3.0, 0.5, 0.4, 0.2)

	want := WeightLatency*1.0 + WeightErrorRate*0.5 + WeightResourceSkew*0.4 + WeightQueueImpact*0.2
	if math.Abs(r.Composite-want) > 1e-9 {
		t.Errorf("Composite = %v, want %v", r.Composite, want)
	}
	if r.AgentID != "a1" || !r.At.Equal(at) {
		t.Errorf("reading identity = %s/%v", r.AgentID, r.At)
	}
}

func TestComposeClampsExtremes(t *testing.T) {
	cases := []struct {
		name                                       string
		latencyZ, errorRate, resourceSkew, queueImpact float64
		want                                       float64
	}{
		{"all maxed", 100, 5, 3, 9, 1},
		{"all zero", 0, 0, 0, 0, 0},
		{"negative inputs", -100, -1, -1, -1, WeightLatency},
		{"nan treated as zero", math.NaN(), 0, 0, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := Compose("a1", time.Now(), tc.latencyZ, tc.errorRate, tc.resourceSkew, tc.queueImpact)
			if math.Abs(r.Composite-tc.want) > 1e-9 {
				t.Errorf("Composite = %v, want %v", r.Composite, tc.want)
			}
		})
	}
}

func TestComposeNegativeLatencyDeviationCounts(t *testing.T) {
	// A latency collapse is as anomalous as a spike.
	fast := Compose("a1", time.Now(), -3.0, 0, 0, 0)
	slow := Compose("a1", time.Now(), 3.0, 0, 0, 0)
	if fast.Composite != slow.Composite {
		t.Errorf("asymmetric latency handling: %v vs %v", fast.Composite, slow.Composite)
	}
}

func TestBaselineLearnsWelfordStatistics(t *testing.T) {
	tbl := NewBaselineTable()

	if _, ok := tbl.Get("worker", "build"); ok {
		t.Fatal("empty table reported a learned baseline")
	}

	for _, lat := range []float64{100, 110, 120} {
		tbl.Learn("worker", "build", Sample{LatencyMS: lat, ErrorRate: 0.01, CPUPercent: 10, MemoryMB: 100})
	}

	b, ok := tbl.Get("worker", "build")
	if !ok {
		t.Fatal("baseline not learned")
	}
	if b.Samples != 3 {
		t.Errorf("Samples = %d, want 3", b.Samples)
	}
	if math.Abs(b.LatencyMeanMS-110) > 1e-9 {
		t.Errorf("LatencyMeanMS = %v, want 110", b.LatencyMeanMS)
	}
	if math.Abs(b.LatencyStdMS-10) > 1e-9 {
		t.Errorf("LatencyStdMS = %v, want 10", b.LatencyStdMS)
	}
	if math.Abs(b.CPUPercent-10) > 1e-9 {
		t.Errorf("CPUPercent = %v, want 10", b.CPUPercent)
	}
}

func TestBaselinePartitionsByTypeAndPhase(t *testing.T) {
	tbl := NewBaselineTable()
	tbl.Learn("worker", "build", Sample{LatencyMS: 100})
	tbl.Learn("worker", "test", Sample{LatencyMS: 500})

	build, _ := tbl.Get("worker", "build")
	test, _ := tbl.Get("worker", "test")
	if build.LatencyMeanMS == test.LatencyMeanMS {
		t.Error("partitions share state")
	}
	if _, ok := tbl.Get("reviewer", "build"); ok {
		t.Error("unlearned partition reported a baseline")
	}
}

func TestBaselineDecayDiscountsSampleWeight(t *testing.T) {
	tbl := NewBaselineTable()
	for i := 0; i < 10; i++ {
		tbl.Learn("worker", "build", Sample{LatencyMS: 100})
	}

	tbl.Decay("worker", "build", 0.5)
	b, _ := tbl.Get("worker", "build")
	if b.Samples != 5 {
		t.Errorf("Samples = %d, want 5", b.Samples)
	}

	// Out-of-range factors are ignored.
	tbl.Decay("worker", "build", 0)
	tbl.Decay("worker", "build", 1.5)
	b, _ = tbl.Get("worker", "build")
	if b.Samples != 5 {
		t.Errorf("Samples = %d, want 5 after no-op decays", b.Samples)
	}
}
