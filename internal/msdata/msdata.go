// Package msdata holds the in-memory model of per-sample MS acquisitions:
// spectra with retention times, peak lists and precursor metadata, plus the
// sample manifest that assigns acquisitions to replicate groups.
package msdata

import (
	"errors"
	"math"
)

// Spectrum is one scan of a sample's acquisition. Spectra are immutable
// after ingestion; retention-time alignment and precursor correction work
// on derived copies.
type Spectrum struct {
	ScanIndex     int     // position in acquisition order
	MSLevel       int     // 1 or 2
	RetentionTime float64 // seconds
	Peaks         []Peak  // ascending m/z
	Centroided    bool
	PrecursorMz   float64 // reported precursor m/z, NaN for MS1 scans
	IsolationLow  float64 // isolation window bounds, NaN when not reported
	IsolationHigh float64
}

// Peak is a single m/z, intensity pair
type Peak struct {
	Mz     float64
	Intens float64
}

// Sample is an ordered acquisition plus its manifest metadata
type Sample struct {
	ID      string
	Name    string
	Group   string
	Path    string
	Spectra []Spectrum
}

var (
	// ErrUnsortedAcquisition means scan retention times are not monotonically
	// increasing; all downstream nearest-preceding-scan lookups assume
	// sorted order, so the sample cannot be processed.
	ErrUnsortedAcquisition = errors.New("msdata: scans not ordered by retention time")
	// ErrNoSamples means the manifest contained no usable samples
	ErrNoSamples = errors.New("msdata: no samples")
)

// HasIsolationWindow reports whether the acquisition recorded an isolation
// window for this scan
func (s *Spectrum) HasIsolationWindow() bool {
	return !math.IsNaN(s.IsolationLow) && !math.IsNaN(s.IsolationHigh)
}

// RTRange returns the retention time extent of the acquisition.
// For an empty sample both values are 0.
func (s *Sample) RTRange() (float64, float64) {
	if len(s.Spectra) == 0 {
		return 0, 0
	}
	return s.Spectra[0].RetentionTime, s.Spectra[len(s.Spectra)-1].RetentionTime
}

// MzRange returns the m/z extent over all MS1 scans of the sample.
// ok is false when the sample has no MS1 peaks at all.
func (s *Sample) MzRange() (min, max float64, ok bool) {
	min = math.MaxFloat64
	max = -math.MaxFloat64
	for _, spec := range s.Spectra {
		if spec.MSLevel != 1 || len(spec.Peaks) == 0 {
			continue
		}
		ok = true
		if m := spec.Peaks[0].Mz; m < min {
			min = m
		}
		if m := spec.Peaks[len(spec.Peaks)-1].Mz; m > max {
			max = m
		}
	}
	if !ok {
		return 0, 0, false
	}
	return min, max, true
}

// AlignedCopy returns a copy of the sample with every spectrum retention
// time re-expressed through correct. Peak data is shared with the
// original; only the retention times differ.
func (s *Sample) AlignedCopy(correct func(float64) float64) *Sample {
	out := *s
	out.Spectra = make([]Spectrum, len(s.Spectra))
	for i, spec := range s.Spectra {
		spec.RetentionTime = correct(spec.RetentionTime)
		out.Spectra[i] = spec
	}
	return &out
}
