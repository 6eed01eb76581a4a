package peakdetect

import (
	"sort"

	"mzfeature/internal/msdata"
	"mzfeature/internal/trace"
)

// RefineOptions controls peak merging
type RefineOptions struct {
	ExpandRt float64 // boundary expansion in retention time, seconds
	ExpandMz float64 // boundary expansion in m/z
}

// Refine merges peaks of one sample that are judged to be a single
// chromatographic event split by detection artifacts: two peaks merge
// when their boundaries, expanded by the tolerances, overlap in both
// retention time and m/z. Merging repeats until no pair overlaps, so the
// operation is idempotent. sample provides the raw data for
// re-integrating the merged window; without it the merged area falls
// back to the sum of the parts.
func Refine(peaks []Peak, sample *msdata.Sample, opt RefineOptions) []Peak {
	out := make([]Peak, len(peaks))
	copy(out, peaks)
	sort.Slice(out, func(i, j int) bool { return out[i].RtMin < out[j].RtMin })

	for {
		merged := false
		for i := 0; i < len(out) && !merged; i++ {
			for j := i + 1; j < len(out); j++ {
				if !overlap(out[i], out[j], opt) {
					continue
				}
				out[i] = merge(out[i], out[j], sample)
				out = append(out[:j], out[j+1:]...)
				merged = true
				break
			}
		}
		if !merged {
			return out
		}
		sort.Slice(out, func(i, j int) bool { return out[i].RtMin < out[j].RtMin })
	}
}

func overlap(a, b Peak, opt RefineOptions) bool {
	if a.RtMin-opt.ExpandRt > b.RtMax+opt.ExpandRt ||
		b.RtMin-opt.ExpandRt > a.RtMax+opt.ExpandRt {
		return false
	}
	if a.MzMin-opt.ExpandMz > b.MzMax+opt.ExpandMz ||
		b.MzMin-opt.ExpandMz > a.MzMax+opt.ExpandMz {
		return false
	}
	return true
}

// merge combines two peaks into one covering the union of both windows.
// The apex comes from the peak with the larger integrated area; the area
// is re-integrated over the union window rather than summed, to avoid
// double counting intensity in the overlap.
func merge(a, b Peak, sample *msdata.Sample) Peak {
	dominant := a
	if b.Area > a.Area {
		dominant = b
	}
	m := Peak{
		SampleID:      dominant.SampleID,
		RtMin:         min(a.RtMin, b.RtMin),
		RtMax:         max(a.RtMax, b.RtMax),
		RtApex:        dominant.RtApex,
		MzMin:         min(a.MzMin, b.MzMin),
		MzMax:         max(a.MzMax, b.MzMax),
		MzApex:        dominant.MzApex,
		MaxIntensity:  max(a.MaxIntensity, b.MaxIntensity),
		LowConfidence: a.LowConfidence || b.LowConfidence,
	}
	if sample != nil {
		t := trace.Extract(sample, trace.Options{
			MzMin: m.MzMin, MzMax: m.MzMax, Aggregate: trace.Sum,
		})
		m.Area = t.Integrate(m.RtMin, m.RtMax)
	} else {
		m.Area = a.Area + b.Area
	}
	return m
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
