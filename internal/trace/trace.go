// Package trace builds aggregated ion-intensity traces over retention time
// from raw spectra, optionally restricted to an m/z window.
package trace

import (
	"math"
	"sort"

	"mzfeature/internal/msdata"
)

// Aggregate selects how peak intensities within a scan are combined
type Aggregate int

const (
	// Sum adds all peak intensities inside the m/z window (TIC-like)
	Sum Aggregate = iota
	// Max takes the most intense peak inside the m/z window (BPC-like)
	Max
)

// Options restrict and shape trace extraction.
// An unbounded window is expressed with -Inf/+Inf.
type Options struct {
	MzMin     float64
	MzMax     float64
	Aggregate Aggregate
}

// Trace is a per-sample series of (retention time, aggregated intensity).
// It is derived data, never persisted beyond the stage that produced it.
type Trace struct {
	RT        []float64
	Intensity []float64
	Scans     []int // acquisition scan index per point
	MzMin     float64
	MzMax     float64
}

// FullWindow returns Options covering all m/z
func FullWindow(agg Aggregate) Options {
	return Options{MzMin: math.Inf(-1), MzMax: math.Inf(1), Aggregate: agg}
}

// MzWindows partitions the masses observed in a sample's MS1 scans into
// extraction windows: masses closer than gap to each other share a
// window. Each window is padded by half the gap, so centroids drifting
// near a window edge still aggregate into their own trace while
// neighboring windows stay disjoint.
func MzWindows(s *msdata.Sample, gap float64, agg Aggregate) []Options {
	var mzs []float64
	for _, spec := range s.Spectra {
		if spec.MSLevel != 1 {
			continue
		}
		for _, p := range spec.Peaks {
			mzs = append(mzs, p.Mz)
		}
	}
	if len(mzs) == 0 {
		return nil
	}
	sort.Float64s(mzs)

	var out []Options
	lo, hi := mzs[0], mzs[0]
	for _, mz := range mzs[1:] {
		if mz-hi > gap {
			out = append(out, Options{MzMin: lo - gap/2, MzMax: hi + gap/2, Aggregate: agg})
			lo = mz
		}
		hi = mz
	}
	out = append(out, Options{MzMin: lo - gap/2, MzMax: hi + gap/2, Aggregate: agg})
	return out
}

// Extract builds a trace from the MS1 scans of a sample.
// An empty sample yields an empty trace.
func Extract(s *msdata.Sample, opt Options) Trace {
	t := Trace{MzMin: opt.MzMin, MzMax: opt.MzMax}
	for _, spec := range s.Spectra {
		if spec.MSLevel != 1 {
			continue
		}
		t.RT = append(t.RT, spec.RetentionTime)
		t.Intensity = append(t.Intensity, aggregate(spec.Peaks, opt))
		t.Scans = append(t.Scans, spec.ScanIndex)
	}
	return t
}

func aggregate(peaks []msdata.Peak, opt Options) float64 {
	// Peaks are sorted by m/z, locate the window by binary search
	i1 := sort.Search(len(peaks), func(i int) bool { return peaks[i].Mz >= opt.MzMin })
	i2 := sort.Search(len(peaks), func(i int) bool { return peaks[i].Mz > opt.MzMax })
	var v float64
	for i := i1; i < i2; i++ {
		switch opt.Aggregate {
		case Max:
			if peaks[i].Intens > v {
				v = peaks[i].Intens
			}
		default:
			v += peaks[i].Intens
		}
	}
	return v
}

// Len returns the number of points
func (t *Trace) Len() int { return len(t.RT) }

// Window returns the index range [i1, i2) of points with rtMin <= rt <= rtMax
func (t *Trace) Window(rtMin, rtMax float64) (int, int) {
	i1 := sort.Search(len(t.RT), func(i int) bool { return t.RT[i] >= rtMin })
	i2 := sort.Search(len(t.RT), func(i int) bool { return t.RT[i] > rtMax })
	return i1, i2
}

// Integrate computes the trapezoidal integral of the trace between rtMin
// and rtMax. A window covering fewer than two points integrates to 0.
func (t *Trace) Integrate(rtMin, rtMax float64) float64 {
	i1, i2 := t.Window(rtMin, rtMax)
	var area float64
	for i := i1 + 1; i < i2; i++ {
		dt := t.RT[i] - t.RT[i-1]
		area += dt * (t.Intensity[i] + t.Intensity[i-1]) / 2
	}
	return area
}

// Covers reports whether the trace has data on both sides of the window,
// i.e. whether the acquisition actually sampled [rtMin, rtMax]
func (t *Trace) Covers(rtMin, rtMax float64) bool {
	if t.Len() == 0 {
		return false
	}
	return t.RT[0] <= rtMin && t.RT[t.Len()-1] >= rtMax
}
