// Package align computes per-sample retention-time correction functions
// from well-replicated features and re-expresses retention times in
// aligned coordinates.
package align

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat"

	"mzfeature/internal/correspond"
	"mzfeature/internal/msdata"
	"mzfeature/internal/peakdetect"
)

// Options controls alignment
type Options struct {
	MinFraction   float64 // fraction of all samples an anchor feature must span
	SmoothingSpan float64 // LOESS span in (0, 1]
}

// ErrInsufficientAnchors means a sample has fewer than two anchor
// features, so no correction curve can be fit. The sample must be
// excluded from downstream stages, not silently passed through.
var ErrInsufficientAnchors = errors.New("align: insufficient anchor features")

// Model is a per-sample smooth correction mapping raw retention time to
// aligned retention time. Outside the anchor range the curve continues
// linearly with the boundary slope.
type Model struct {
	SampleID  string
	RawRT     []float64 // anchor apex rts in this sample, ascending
	AlignedRT []float64 // smoothed reference rts at the anchors

	curve   interp.FritschButland
	loSlope float64
	hiSlope float64
}

// Fit computes one correction model per sample. Anchor features are those
// with real peaks in at least MinFraction of all samples; the reference
// retention time of an anchor is its cross-sample median apex (RtMed).
// Samples with fewer than two anchors get no model and an
// ErrInsufficientAnchors entry in the returned error map.
func Fit(features []correspond.Feature, sampleIDs []string, opt Options) (map[string]*Model, map[string]error) {
	nSamples := len(sampleIDs)
	var anchors []correspond.Feature
	for _, f := range features {
		if float64(len(f.Peaks))/float64(nSamples) >= opt.MinFraction {
			anchors = append(anchors, f)
		}
	}

	models := make(map[string]*Model)
	failed := make(map[string]error)
	for _, id := range sampleIDs {
		var raw, ref []float64
		for _, f := range anchors {
			p, ok := f.Peaks[id]
			if !ok {
				continue
			}
			raw = append(raw, p.RtApex)
			ref = append(ref, f.RtMed)
		}
		m, err := NewModel(id, raw, ref, opt.SmoothingSpan)
		if err != nil {
			failed[id] = fmt.Errorf("sample %s (%d anchors): %w", id, len(raw), err)
			continue
		}
		models[id] = m
	}
	return models, failed
}

// NewModel fits a correction model through (raw, reference) anchor pairs:
// LOESS smoothing of the reference times, then a shape-preserving
// monotone cubic through the smoothed points for evaluation anywhere.
func NewModel(sampleID string, raw, ref []float64, span float64) (*Model, error) {
	if len(raw) != len(ref) {
		return nil, fmt.Errorf("align: %d raw vs %d reference points", len(raw), len(ref))
	}
	x, y := dedupSorted(raw, ref)
	if len(x) < 2 {
		return nil, ErrInsufficientAnchors
	}
	smoothed := loess(x, y, span)

	m := &Model{SampleID: sampleID, RawRT: x, AlignedRT: smoothed}
	if err := m.fit(); err != nil {
		return nil, err
	}
	return m, nil
}

// Restore rebuilds a model from previously fitted anchor arrays, e.g.
// when loading pipeline state. No smoothing is applied; the arrays are
// taken as-is.
func Restore(sampleID string, raw, aligned []float64) (*Model, error) {
	if len(raw) != len(aligned) || len(raw) < 2 {
		return nil, ErrInsufficientAnchors
	}
	m := &Model{SampleID: sampleID, RawRT: raw, AlignedRT: aligned}
	if err := m.fit(); err != nil {
		return nil, err
	}
	return m, nil
}

// fit builds the evaluable curve from the anchor arrays. Called from
// NewModel and again after deserializing a model from pipeline state.
func (m *Model) fit() error {
	if err := m.curve.Fit(m.RawRT, m.AlignedRT); err != nil {
		return fmt.Errorf("align: sample %s: %w", m.SampleID, err)
	}
	n := len(m.RawRT)
	m.loSlope = boundarySlope(m.RawRT[0], m.AlignedRT[0], m.RawRT[1], m.AlignedRT[1])
	m.hiSlope = boundarySlope(m.RawRT[n-2], m.AlignedRT[n-2], m.RawRT[n-1], m.AlignedRT[n-1])
	return nil
}

func boundarySlope(x0, y0, x1, y1 float64) float64 {
	if x1 == x0 {
		return 1
	}
	return (y1 - y0) / (x1 - x0)
}

// Correct maps a raw retention time to aligned coordinates
func (m *Model) Correct(rt float64) float64 {
	n := len(m.RawRT)
	switch {
	case rt < m.RawRT[0]:
		return m.AlignedRT[0] + (rt-m.RawRT[0])*m.loSlope
	case rt > m.RawRT[n-1]:
		return m.AlignedRT[n-1] + (rt-m.RawRT[n-1])*m.hiSlope
	default:
		return m.curve.Predict(rt)
	}
}

// Correction returns the shift applied at rt
func (m *Model) Correction(rt float64) float64 {
	return m.Correct(rt) - rt
}

// ApplySample returns a copy of the sample with all spectrum retention
// times re-expressed in aligned coordinates. The raw sample is unchanged.
func (m *Model) ApplySample(s *msdata.Sample) *msdata.Sample {
	return s.AlignedCopy(m.Correct)
}

// ApplyPeaks returns copies of the peaks with all retention coordinates
// re-expressed in aligned coordinates
func (m *Model) ApplyPeaks(peaks []peakdetect.Peak) []peakdetect.Peak {
	out := make([]peakdetect.Peak, len(peaks))
	for i, p := range peaks {
		p.RtMin = m.Correct(p.RtMin)
		p.RtApex = m.Correct(p.RtApex)
		p.RtMax = m.Correct(p.RtMax)
		out[i] = p
	}
	return out
}

// dedupSorted sorts pairs by x and averages the y of duplicate x values,
// since the interpolant needs strictly increasing abscissae
func dedupSorted(raw, ref []float64) ([]float64, []float64) {
	type pair struct{ x, y float64 }
	pairs := make([]pair, len(raw))
	for i := range raw {
		pairs[i] = pair{raw[i], ref[i]}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].x < pairs[j].x })

	var xs, ys []float64
	for i := 0; i < len(pairs); {
		j := i
		sum := 0.0
		for j < len(pairs) && pairs[j].x == pairs[i].x {
			sum += pairs[j].y
			j++
		}
		xs = append(xs, pairs[i].x)
		ys = append(ys, sum/float64(j-i))
		i = j
	}
	return xs, ys
}

// loess smooths y over x with locally weighted linear regression:
// for each point, a weighted fit over the span-fraction of nearest
// neighbors with tricube weights. x must be ascending.
func loess(x, y []float64, span float64) []float64 {
	n := len(x)
	k := int(math.Ceil(span * float64(n)))
	if k < 2 {
		k = 2
	}
	if k > n {
		k = n
	}

	out := make([]float64, n)
	for i := range x {
		lo, hi := neighborWindow(x, i, k)
		xs := x[lo:hi]
		ys := y[lo:hi]
		dmax := math.Max(x[i]-xs[0], xs[len(xs)-1]-x[i])
		ws := make([]float64, len(xs))
		for j, xj := range xs {
			ws[j] = tricube(math.Abs(xj-x[i]), dmax)
		}
		alpha, beta := stat.LinearRegression(xs, ys, ws, false)
		if math.IsNaN(alpha) || math.IsNaN(beta) {
			out[i] = y[i]
			continue
		}
		out[i] = alpha + beta*x[i]
	}
	return out
}

// neighborWindow returns the index range of the k points nearest to x[i]
func neighborWindow(x []float64, i, k int) (int, int) {
	lo, hi := i, i+1
	for hi-lo < k {
		switch {
		case lo == 0:
			hi++
		case hi == len(x):
			lo--
		case x[i]-x[lo-1] <= x[hi]-x[i]:
			lo--
		default:
			hi++
		}
	}
	return lo, hi
}

func tricube(d, dmax float64) float64 {
	if dmax <= 0 {
		return 1
	}
	u := d / dmax
	if u >= 1 {
		return 0
	}
	c := 1 - u*u*u
	return c * c * c
}
