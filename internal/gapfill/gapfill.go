// Package gapfill estimates intensities for (feature, sample) pairs that
// detection missed, by integrating a fixed window at the feature's
// expected location.
package gapfill

import (
	"github.com/montanaflynn/stats"

	"mzfeature/internal/correspond"
	"mzfeature/internal/msdata"
	"mzfeature/internal/trace"
)

// Status distinguishes an estimated value from a region the sample's raw
// data does not cover at all. Unavailable is deliberately distinct from a
// filled value of zero.
type Status string

const (
	StatusFilled      Status = "filled"
	StatusUnavailable Status = "unavailable"
)

// Entry is one gap-filled value
type Entry struct {
	Value  float64 `json:"value"`
	Status Status  `json:"status"`
}

// Options controls the integration window
type Options struct {
	DeltaMz float64 // half-width of the m/z window around MzMed
	DeltaRt float64 // half-width of the rt window around RtMed; 0 derives it
}

// Result holds the fill entries plus the data-quality signals of the run
type Result struct {
	// Fills maps feature id -> sample id -> entry, for every pair that
	// had no real detected peak
	Fills map[int]map[string]Entry
	// DeltaRt is the rt half-width actually used
	DeltaRt float64
	// ExceedReal counts filled values larger than the largest real
	// detected area of their feature. High background in the integration
	// window causes this; it is reported, never corrected.
	ExceedReal int
}

// Fill integrates an estimate for every (feature, sample) pair without a
// real peak. After filling, every feature has a real, filled or
// unavailable entry for every sample. When DeltaRt is zero it is derived
// as half the median width of all real peaks.
func Fill(features []correspond.Feature, samples []*msdata.Sample, opt Options) Result {
	res := Result{
		Fills:   make(map[int]map[string]Entry),
		DeltaRt: opt.DeltaRt,
	}
	if res.DeltaRt <= 0 {
		res.DeltaRt = medianPeakWidth(features) / 2
	}

	for _, f := range features {
		maxReal := 0.0
		for _, p := range f.Peaks {
			if p.Area > maxReal {
				maxReal = p.Area
			}
		}
		for _, s := range samples {
			if _, ok := f.Peaks[s.ID]; ok {
				continue
			}
			e := integrate(f, s, opt.DeltaMz, res.DeltaRt)
			if e.Status == StatusFilled && e.Value > maxReal && maxReal > 0 {
				res.ExceedReal++
			}
			m, ok := res.Fills[f.ID]
			if !ok {
				m = make(map[string]Entry)
				res.Fills[f.ID] = m
			}
			m[s.ID] = e
		}
	}
	return res
}

func integrate(f correspond.Feature, s *msdata.Sample, deltaMz, deltaRt float64) Entry {
	t := trace.Extract(s, trace.Options{
		MzMin:     f.MzMed - deltaMz,
		MzMax:     f.MzMed + deltaMz,
		Aggregate: trace.Sum,
	})
	rtMin, rtMax := f.RtMed-deltaRt, f.RtMed+deltaRt
	i1, i2 := t.Window(rtMin, rtMax)
	if i2-i1 == 0 {
		// The acquisition has no scans in the window at all
		return Entry{Status: StatusUnavailable}
	}
	return Entry{Value: t.Integrate(rtMin, rtMax), Status: StatusFilled}
}

func medianPeakWidth(features []correspond.Feature) float64 {
	var widths []float64
	for _, f := range features {
		for _, p := range f.Peaks {
			widths = append(widths, p.RtMax-p.RtMin)
		}
	}
	m, err := stats.Median(widths)
	if err != nil || m <= 0 {
		return 5 // seconds, last-resort default
	}
	return m
}
