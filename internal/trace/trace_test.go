package trace

import (
	"math"
	"testing"

	"mzfeature/internal/msdata"
)

func testSample() *msdata.Sample {
	return &msdata.Sample{
		ID: "s1",
		Spectra: []msdata.Spectrum{
			{ScanIndex: 0, MSLevel: 1, RetentionTime: 10.0,
				Peaks: []msdata.Peak{{Mz: 100.0, Intens: 5.0}, {Mz: 150.0, Intens: 10.0}, {Mz: 200.0, Intens: 3.0}}},
			{ScanIndex: 1, MSLevel: 2, RetentionTime: 10.5,
				Peaks: []msdata.Peak{{Mz: 81.0, Intens: 100.0}}},
			{ScanIndex: 2, MSLevel: 1, RetentionTime: 11.0,
				Peaks: []msdata.Peak{{Mz: 100.0, Intens: 6.0}, {Mz: 150.0, Intens: 20.0}}},
			{ScanIndex: 3, MSLevel: 1, RetentionTime: 12.0,
				Peaks: []msdata.Peak{{Mz: 150.0, Intens: 4.0}}},
		},
	}
}

func TestExtractFullWindow(t *testing.T) {
	tr := Extract(testSample(), FullWindow(Sum))
	// MS2 scan must not contribute a point
	if tr.Len() != 3 {
		t.Fatalf("Extract: %d points, should be 3", tr.Len())
	}
	if tr.RT[0] != 10.0 || tr.RT[1] != 11.0 || tr.RT[2] != 12.0 {
		t.Errorf("Extract: rt %v", tr.RT)
	}
	if tr.Intensity[0] != 18.0 {
		t.Errorf("Extract: intensity[0] %f, should be 18", tr.Intensity[0])
	}
	if tr.Scans[1] != 2 {
		t.Errorf("Extract: scan[1] %d, should be 2", tr.Scans[1])
	}
}

func TestExtractWindowed(t *testing.T) {
	// Narrow m/z window around 150, most intense peak per scan
	tr := Extract(testSample(), Options{MzMin: 149.0, MzMax: 151.0, Aggregate: Max})
	if tr.Len() != 3 {
		t.Fatalf("Extract: %d points, should be 3", tr.Len())
	}
	want := []float64{10.0, 20.0, 4.0}
	for i, w := range want {
		if tr.Intensity[i] != w {
			t.Errorf("Extract: intensity[%d] %f, should be %f", i, tr.Intensity[i], w)
		}
	}

	// Window without any peak
	tr = Extract(testSample(), Options{MzMin: 300.0, MzMax: 400.0, Aggregate: Sum})
	for i := range tr.Intensity {
		if tr.Intensity[i] != 0 {
			t.Errorf("Extract: intensity[%d] %f, should be 0", i, tr.Intensity[i])
		}
	}
}

func TestMzWindows(t *testing.T) {
	ws := MzWindows(testSample(), 1.0, Sum)
	if len(ws) != 3 {
		t.Fatalf("MzWindows: %d windows, should be 3", len(ws))
	}
	centers := []float64{100, 150, 200}
	for i, w := range ws {
		if w.MzMin > centers[i] || w.MzMax < centers[i] {
			t.Errorf("MzWindows: window %d %f:%f does not cover %f",
				i, w.MzMin, w.MzMax, centers[i])
		}
		if math.IsInf(w.MzMin, 0) || math.IsInf(w.MzMax, 0) {
			t.Errorf("MzWindows: window %d unbounded", i)
		}
		// Fragment masses from MS2 scans never seed a window
		if w.MzMin <= 81.0 && 81.0 <= w.MzMax {
			t.Errorf("MzWindows: window %f:%f covers a fragment mass", w.MzMin, w.MzMax)
		}
	}

	// Masses closer to each other than the gap share a window
	ws = MzWindows(testSample(), 60.0, Sum)
	if len(ws) != 1 {
		t.Errorf("MzWindows: %d windows with a wide gap, should be 1", len(ws))
	}

	if ws := MzWindows(&msdata.Sample{}, 1.0, Sum); ws != nil {
		t.Errorf("MzWindows: %d windows for empty sample, should be none", len(ws))
	}
}

func TestExtractEmpty(t *testing.T) {
	tr := Extract(&msdata.Sample{}, FullWindow(Sum))
	if tr.Len() != 0 {
		t.Errorf("Extract: %d points for empty sample, should be 0", tr.Len())
	}
	if tr.Integrate(0, 100) != 0 {
		t.Errorf("Integrate: nonzero for empty trace")
	}
	if tr.Covers(0, 1) {
		t.Errorf("Covers: true for empty trace, should be false")
	}
}

func TestIntegrate(t *testing.T) {
	tr := Trace{
		RT:        []float64{0, 1, 2, 3},
		Intensity: []float64{0, 10, 10, 0},
	}
	got := tr.Integrate(0, 3)
	// Trapezoids: 5 + 10 + 5
	if math.Abs(got-20.0) > 1e-12 {
		t.Errorf("Integrate: %f, should be 20", got)
	}
	got = tr.Integrate(1, 2)
	if math.Abs(got-10.0) > 1e-12 {
		t.Errorf("Integrate: %f, should be 10", got)
	}
	// Single point integrates to 0
	if tr.Integrate(0.9, 1.1) != 0 {
		t.Errorf("Integrate: single point window not 0")
	}
}

func TestWindowAndCovers(t *testing.T) {
	tr := Trace{RT: []float64{0, 1, 2, 3}, Intensity: []float64{1, 1, 1, 1}}
	i1, i2 := tr.Window(0.5, 2.5)
	if i1 != 1 || i2 != 3 {
		t.Errorf("Window: %d:%d, should be 1:3", i1, i2)
	}
	if !tr.Covers(0.5, 2.5) {
		t.Errorf("Covers: false, should be true")
	}
	if tr.Covers(-1, 2) || tr.Covers(1, 4) {
		t.Errorf("Covers: true outside acquisition")
	}
}
