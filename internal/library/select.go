// Package library links MS2 spectra to features, selects one
// representative fragmentation spectrum per feature, and writes the
// resulting spectral library.
package library

import (
	"math"
	"sort"

	"mzfeature/internal/correspond"
	"mzfeature/internal/msdata"
	"mzfeature/internal/precursor"
)

// LinkOptions controls how MS2 spectra are matched to features
type LinkOptions struct {
	PPM   float64 // precursor-to-feature m/z tolerance, parts per million
	RtPad float64 // padding beyond the feature's rt extent, seconds
}

// Candidate is one MS2 spectrum linked to a feature
type Candidate struct {
	SampleID   string
	Spectrum   msdata.Spectrum
	Annotation precursor.Annotation
}

// Representative is the MS2 spectrum chosen for a feature; the final
// pipeline output
type Representative struct {
	FeatureID   int
	SampleID    string
	ScanIndex   int
	PrecursorMz float64
	Purity      float64
	Intensity   float64
	Peaks       []msdata.Peak
}

// Link collects, per feature, the MS2 spectra whose precursor m/z
// (estimated when available, else reported) lies within the ppm tolerance
// of the feature m/z and whose retention time falls inside the feature's
// padded rt extent. Candidate order is stable: samples in the given
// order, scans in acquisition order.
func Link(features []correspond.Feature, samples []*msdata.Sample,
	annotations map[string]map[int]precursor.Annotation, opt LinkOptions) map[int][]Candidate {

	linked := make(map[int][]Candidate)
	for _, f := range features {
		rtMin, rtMax := featureExtent(f)
		rtMin -= opt.RtPad
		rtMax += opt.RtPad
		mzTol := opt.PPM * f.MzMed / 1e6

		for _, s := range samples {
			sampleAnns := annotations[s.ID]
			for _, spec := range s.Spectra {
				if spec.MSLevel != 2 || math.IsNaN(spec.PrecursorMz) {
					continue
				}
				if spec.RetentionTime < rtMin || spec.RetentionTime > rtMax {
					continue
				}
				ann := sampleAnns[spec.ScanIndex]
				mz := ann.EstimatedMz
				if math.IsNaN(mz) {
					mz = spec.PrecursorMz
				}
				if math.Abs(mz-f.MzMed) > mzTol {
					continue
				}
				linked[f.ID] = append(linked[f.ID], Candidate{
					SampleID:   s.ID,
					Spectrum:   spec,
					Annotation: ann,
				})
			}
		}
	}
	return linked
}

func featureExtent(f correspond.Feature) (float64, float64) {
	rtMin, rtMax := math.MaxFloat64, -math.MaxFloat64
	for _, p := range f.Peaks {
		if p.RtMin < rtMin {
			rtMin = p.RtMin
		}
		if p.RtMax > rtMax {
			rtMax = p.RtMax
		}
	}
	if rtMin > rtMax {
		return f.RtMed, f.RtMed
	}
	return rtMin, rtMax
}

// Select picks the representative spectrum from a feature's candidates
// via the purity -> intensity -> fragment-richness cascade. Each stage
// keeps the top 10% (at least one, ties at the cutoff all kept); the last
// stage takes the spectrum with the most fragment peaks, remaining ties
// resolved by stable input order. ok is false when there are no
// candidates; the feature is then simply absent from the library.
func Select(featureID int, candidates []Candidate) (Representative, bool) {
	if len(candidates) == 0 {
		return Representative{}, false
	}
	byPurity := topFraction(candidates, func(c Candidate) float64 { return c.Annotation.Purity })
	byIntensity := topFraction(byPurity, func(c Candidate) float64 { return c.Annotation.Intensity })

	best := byIntensity[0]
	for _, c := range byIntensity[1:] {
		if len(c.Spectrum.Peaks) > len(best.Spectrum.Peaks) {
			best = c
		}
	}

	mz := best.Annotation.EstimatedMz
	if math.IsNaN(mz) {
		mz = best.Spectrum.PrecursorMz
	}
	return Representative{
		FeatureID:   featureID,
		SampleID:    best.SampleID,
		ScanIndex:   best.Spectrum.ScanIndex,
		PrecursorMz: mz,
		Purity:      best.Annotation.Purity,
		Intensity:   best.Annotation.Intensity,
		Peaks:       best.Spectrum.Peaks,
	}, true
}

// topFraction keeps the candidates scoring in the top 10%: at least
// max(1, ceil(n*0.1)) of them, plus any further candidates tied with the
// cutoff score. Input order is preserved in the result.
func topFraction(candidates []Candidate, score func(Candidate) float64) []Candidate {
	n := len(candidates)
	if n <= 1 {
		return candidates
	}
	k := int(math.Ceil(float64(n) * 0.10))
	if k < 1 {
		k = 1
	}
	scores := make([]float64, n)
	for i, c := range candidates {
		scores[i] = score(c)
	}
	ranked := make([]float64, n)
	copy(ranked, scores)
	sort.Sort(sort.Reverse(sort.Float64Slice(ranked)))
	cutoff := ranked[k-1]

	out := make([]Candidate, 0, k)
	for i, c := range candidates {
		if scores[i] >= cutoff {
			out = append(out, c)
		}
	}
	return out
}

// SelectAll runs the cascade for every feature with candidates, in
// feature id order
func SelectAll(linked map[int][]Candidate) []Representative {
	ids := make([]int, 0, len(linked))
	for id := range linked {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var out []Representative
	for _, id := range ids {
		if rep, ok := Select(id, linked[id]); ok {
			out = append(out, rep)
		}
	}
	return out
}
