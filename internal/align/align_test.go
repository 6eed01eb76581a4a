package align

import (
	"errors"
	"math"
	"testing"

	"mzfeature/internal/correspond"
	"mzfeature/internal/msdata"
	"mzfeature/internal/peakdetect"
)

// shiftedFeatures builds anchor features seen in two samples, where s2
// runs `shift` seconds late at every anchor
func shiftedFeatures(shift float64) []correspond.Feature {
	refs := []float64{100, 200, 300, 400, 500}
	var features []correspond.Feature
	for i, rt := range refs {
		features = append(features, correspond.Feature{
			ID:    i + 1,
			MzMed: 100 + float64(i),
			RtMed: rt,
			Peaks: map[string]peakdetect.Peak{
				"s1": {SampleID: "s1", RtApex: rt},
				"s2": {SampleID: "s2", RtApex: rt + shift},
			},
		})
	}
	return features
}

func TestFitConstantShift(t *testing.T) {
	models, failed := Fit(shiftedFeatures(7.0), []string{"s1", "s2"},
		Options{MinFraction: 0.9, SmoothingSpan: 0.8})
	if len(failed) != 0 {
		t.Fatalf("Fit: %d failed samples: %v", len(failed), failed)
	}
	m2, ok := models["s2"]
	if !ok {
		t.Fatalf("Fit: no model for s2")
	}
	// Anchors are (rt+7, rt); a raw time of 257 must map near 250,
	// including between anchors and beyond the anchor range
	for _, rt := range []float64{107, 257, 380, 507, 50, 600} {
		got := m2.Correct(rt)
		if math.Abs(got-(rt-7)) > 0.5 {
			t.Errorf("Correct(%f): %f, should be near %f", rt, got, rt-7)
		}
	}
	// The unshifted sample maps onto itself
	m1 := models["s1"]
	for _, rt := range []float64{100, 250, 499} {
		got := m1.Correct(rt)
		if math.Abs(got-rt) > 0.5 {
			t.Errorf("Correct(%f): %f, should be near %f", rt, got, rt)
		}
	}
}

func TestFitInsufficientAnchors(t *testing.T) {
	// Only one anchor covers s2
	features := shiftedFeatures(5.0)[:1]
	models, failed := Fit(features, []string{"s1", "s2"},
		Options{MinFraction: 0.9, SmoothingSpan: 0.8})
	if len(models) != 0 {
		t.Errorf("Fit: %d models, should be 0", len(models))
	}
	for _, id := range []string{"s1", "s2"} {
		err, ok := failed[id]
		if !ok {
			t.Errorf("Fit: no error for %s", id)
			continue
		}
		if !errors.Is(err, ErrInsufficientAnchors) {
			t.Errorf("Fit: error %v, should wrap ErrInsufficientAnchors", err)
		}
	}
}

func TestFitAnchorFractionFilter(t *testing.T) {
	features := shiftedFeatures(5.0)
	// A feature present in only one of two samples is not an anchor at
	// MinFraction 0.9
	for i := range features {
		if i >= 3 {
			delete(features[i].Peaks, "s2")
		}
	}
	models, failed := Fit(features, []string{"s1", "s2"},
		Options{MinFraction: 0.9, SmoothingSpan: 0.8})
	if len(failed) != 0 {
		t.Fatalf("Fit: %d failed samples: %v", len(failed), failed)
	}
	m := models["s2"]
	if len(m.RawRT) != 3 {
		t.Errorf("Fit: s2 fitted on %d anchors, should be 3", len(m.RawRT))
	}
}

func TestCorrectContinuity(t *testing.T) {
	models, failed := Fit(shiftedFeatures(7.0), []string{"s1", "s2"},
		Options{MinFraction: 0.9, SmoothingSpan: 0.8})
	if len(failed) != 0 {
		t.Fatalf("Fit: %d failed samples: %v", len(failed), failed)
	}
	m := models["s2"]
	// A smooth correction has no jumps: adjacent evaluations differ by
	// about the step size
	prev := m.Correct(50)
	for rt := 50.25; rt <= 600; rt += 0.25 {
		cur := m.Correct(rt)
		if math.Abs(cur-prev) > 1.0 {
			t.Fatalf("Correct: jump of %f at rt %f", cur-prev, rt)
		}
		prev = cur
	}
}

func TestRestore(t *testing.T) {
	orig, err := NewModel("s1", []float64{100, 207, 306, 411}, []float64{100, 200, 300, 400}, 0.8)
	if err != nil {
		t.Fatalf("NewModel: error return %v", err)
	}
	rest, err := Restore("s1", orig.RawRT, orig.AlignedRT)
	if err != nil {
		t.Fatalf("Restore: error return %v", err)
	}
	for _, rt := range []float64{90, 150, 250, 350, 450} {
		a, b := orig.Correct(rt), rest.Correct(rt)
		if math.Abs(a-b) > 1e-12 {
			t.Errorf("Restore: Correct(%f) %f vs %f", rt, a, b)
		}
	}

	_, err = Restore("s1", []float64{100}, []float64{100})
	if !errors.Is(err, ErrInsufficientAnchors) {
		t.Errorf("Restore: error return %v, should be ErrInsufficientAnchors", err)
	}
}

func TestApply(t *testing.T) {
	m, err := NewModel("s1", []float64{100, 200, 300}, []float64{95, 195, 295}, 1.0)
	if err != nil {
		t.Fatalf("NewModel: error return %v", err)
	}
	s := &msdata.Sample{
		ID: "s1",
		Spectra: []msdata.Spectrum{
			{MSLevel: 1, RetentionTime: 150},
			{MSLevel: 1, RetentionTime: 250},
		},
	}
	aligned := m.ApplySample(s)
	if math.Abs(aligned.Spectra[0].RetentionTime-145) > 0.5 {
		t.Errorf("ApplySample: rt %f, should be near 145", aligned.Spectra[0].RetentionTime)
	}
	if s.Spectra[0].RetentionTime != 150 {
		t.Errorf("ApplySample: raw sample modified")
	}

	peaks := m.ApplyPeaks([]peakdetect.Peak{
		{SampleID: "s1", RtMin: 140, RtApex: 150, RtMax: 160},
	})
	if peaks[0].RtMin >= peaks[0].RtApex || peaks[0].RtApex >= peaks[0].RtMax {
		t.Errorf("ApplyPeaks: ordering lost: %f %f %f",
			peaks[0].RtMin, peaks[0].RtApex, peaks[0].RtMax)
	}
	if math.Abs(peaks[0].RtApex-145) > 0.5 {
		t.Errorf("ApplyPeaks: apex %f, should be near 145", peaks[0].RtApex)
	}
	if math.Abs(m.Correction(150)-(-5)) > 0.5 {
		t.Errorf("Correction: %f, should be near -5", m.Correction(150))
	}
}
