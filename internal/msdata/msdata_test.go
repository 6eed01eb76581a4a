package msdata

import (
	"math"
	"testing"
)

func testSample() *Sample {
	nan := math.NaN()
	return &Sample{
		ID:    "s1",
		Group: "default",
		Spectra: []Spectrum{
			{ScanIndex: 0, MSLevel: 1, RetentionTime: 10.0,
				Peaks:       []Peak{{100.0, 5.0}, {200.0, 8.0}},
				PrecursorMz: nan, IsolationLow: nan, IsolationHigh: nan},
			{ScanIndex: 1, MSLevel: 2, RetentionTime: 11.0,
				Peaks:       []Peak{{81.0, 2.0}},
				PrecursorMz: 100.0, IsolationLow: 99.5, IsolationHigh: 100.5},
			{ScanIndex: 2, MSLevel: 1, RetentionTime: 12.0,
				Peaks:       []Peak{{90.0, 1.0}, {210.0, 3.0}},
				PrecursorMz: nan, IsolationLow: nan, IsolationHigh: nan},
		},
	}
}

func TestRanges(t *testing.T) {
	s := testSample()
	lo, hi := s.RTRange()
	if lo != 10.0 || hi != 12.0 {
		t.Errorf("RTRange: %f:%f, should be 10:12", lo, hi)
	}
	mzLo, mzHi, ok := s.MzRange()
	if !ok {
		t.Fatalf("MzRange: ok false, should be true")
	}
	// MS2 peaks must not contribute
	if mzLo != 90.0 || mzHi != 210.0 {
		t.Errorf("MzRange: %f:%f, should be 90:210", mzLo, mzHi)
	}

	empty := &Sample{}
	lo, hi = empty.RTRange()
	if lo != 0 || hi != 0 {
		t.Errorf("RTRange: %f:%f, should be 0:0", lo, hi)
	}
	_, _, ok = empty.MzRange()
	if ok {
		t.Errorf("MzRange: ok true, should be false")
	}
}

func TestHasIsolationWindow(t *testing.T) {
	s := testSample()
	if s.Spectra[0].HasIsolationWindow() {
		t.Errorf("HasIsolationWindow: true for MS1 scan, should be false")
	}
	if !s.Spectra[1].HasIsolationWindow() {
		t.Errorf("HasIsolationWindow: false for MS2 scan, should be true")
	}
}

func TestAlignedCopy(t *testing.T) {
	s := testSample()
	a := s.AlignedCopy(func(rt float64) float64 { return rt + 5.0 })
	if a == s {
		t.Fatalf("AlignedCopy: same sample returned")
	}
	for i := range a.Spectra {
		want := s.Spectra[i].RetentionTime + 5.0
		if a.Spectra[i].RetentionTime != want {
			t.Errorf("AlignedCopy: scan %d rt %f, should be %f", i, a.Spectra[i].RetentionTime, want)
		}
	}
	// Original untouched
	if s.Spectra[0].RetentionTime != 10.0 {
		t.Errorf("AlignedCopy: original rt changed to %f", s.Spectra[0].RetentionTime)
	}
}
