// Package precursor re-estimates MS2 precursor m/z values from the
// preceding MS1 scan and scores precursor purity and intensity.
package precursor

import (
	"fmt"
	"math"
	"sort"

	"mzfeature/internal/msdata"
)

// Options controls precursor resolution
type Options struct {
	Tol                float64 // absolute m/z tolerance
	PPM                float64 // relative tolerance, parts per million
	UseIsolationWindow bool    // use the reported isolation window when present
}

// Annotation is the per-MS2 result. EstimatedMz is NaN when no MS1 peak
// was found within tolerance; that is data (a tolerance miss), not an
// error, and must stay distinguishable from the reported value.
type Annotation struct {
	ScanIndex   int
	EstimatedMz float64
	Purity      float64 // fraction of isolation-window signal from the top peak
	Intensity   float64 // intensity of the top isolation-window peak
}

// Resolve annotates every MS2 spectrum of a sample. It assumes scan
// retention times are monotonically increasing (the nearest-preceding
// lookup depends on it) and fails with ErrUnsortedAcquisition otherwise.
func Resolve(s *msdata.Sample, opt Options) (map[int]Annotation, error) {
	prevRT := -1.0
	for _, spec := range s.Spectra {
		if spec.RetentionTime < prevRT {
			return nil, fmt.Errorf("sample %s scan %d: %w",
				s.ID, spec.ScanIndex, msdata.ErrUnsortedAcquisition)
		}
		prevRT = spec.RetentionTime
	}

	annotations := make(map[int]Annotation)
	lastMS1 := -1
	for i, spec := range s.Spectra {
		if spec.MSLevel == 1 {
			lastMS1 = i
			continue
		}
		if spec.MSLevel != 2 || math.IsNaN(spec.PrecursorMz) {
			continue
		}
		a := Annotation{ScanIndex: spec.ScanIndex, EstimatedMz: math.NaN()}
		if lastMS1 >= 0 {
			a = annotate(&s.Spectra[i], &s.Spectra[lastMS1], opt)
		}
		annotations[spec.ScanIndex] = a
	}
	return annotations, nil
}

func annotate(ms2, ms1 *msdata.Spectrum, opt Options) Annotation {
	a := Annotation{ScanIndex: ms2.ScanIndex, EstimatedMz: math.NaN()}
	reported := ms2.PrecursorMz
	tol := opt.Tol + opt.PPM*reported/1e6

	// Corrected precursor m/z: the most intense MS1 peak near the
	// reported value
	if p, ok := maxPeakInWindow(ms1.Peaks, reported-tol, reported+tol); ok {
		a.EstimatedMz = p.Mz
	}

	// Purity and intensity over the isolation window
	lo, hi := reported-tol, reported+tol
	if opt.UseIsolationWindow && ms2.HasIsolationWindow() {
		lo, hi = ms2.IsolationLow, ms2.IsolationHigh
	}
	var top, total float64
	i1 := sort.Search(len(ms1.Peaks), func(i int) bool { return ms1.Peaks[i].Mz >= lo })
	i2 := sort.Search(len(ms1.Peaks), func(i int) bool { return ms1.Peaks[i].Mz > hi })
	for i := i1; i < i2; i++ {
		total += ms1.Peaks[i].Intens
		if ms1.Peaks[i].Intens > top {
			top = ms1.Peaks[i].Intens
		}
	}
	if total > 0 {
		a.Purity = top / total
		a.Intensity = top
	}
	return a
}

// maxPeakInWindow returns the most intense peak within [mzMin, mzMax].
// Peaks must be sorted by m/z.
func maxPeakInWindow(peaks []msdata.Peak, mzMin, mzMax float64) (msdata.Peak, bool) {
	i1 := sort.Search(len(peaks), func(i int) bool { return peaks[i].Mz >= mzMin })
	i2 := sort.Search(len(peaks), func(i int) bool { return peaks[i].Mz > mzMax })

	var best msdata.Peak
	found := false
	for i := i1; i < i2; i++ {
		if peaks[i].Intens > best.Intens {
			best = peaks[i]
			found = true
		}
	}
	return best, found
}
