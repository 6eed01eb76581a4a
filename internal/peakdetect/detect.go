// Package peakdetect detects chromatographic peaks in ion-intensity traces
// using a multi-scale wavelet matched filter, and refines peak sets by
// merging detection artifacts.
package peakdetect

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/optimize"

	"mzfeature/internal/msdata"
	"mzfeature/internal/trace"
)

// Integration mode selects how peak boundaries are determined
const (
	// IntegrationFilter takes boundaries from the matched-filter support
	IntegrationFilter = 1
	// IntegrationDescent refines boundaries by descending from the apex to
	// the local baseline. Produces boundaries consistent with visually
	// inspected peak edges and is the default.
	IntegrationDescent = 2
)

// Options controls peak detection
type Options struct {
	PeakWidthMin    float64 // narrowest acceptable peak, seconds
	PeakWidthMax    float64 // widest acceptable peak, seconds
	SNRMin          float64 // signal-to-noise floor
	IntegrationMode int     // IntegrationFilter or IntegrationDescent
	NScales         int     // wavelet scales to evaluate, 0 = default
}

// Peak is a detected chromatographic peak within one sample's trace
type Peak struct {
	SampleID      string
	RtMin         float64
	RtMax         float64
	RtApex        float64
	MzMin         float64
	MzMax         float64
	MzApex        float64
	Area          float64
	MaxIntensity  float64
	LowConfidence bool // boundary clipped at trace extent
	Filled        bool // set by gap filling, never by detection
}

const defaultNScales = 10

// descentBaseline is the fraction of the apex intensity at which the
// boundary descent stops. Without it the descent would follow the
// monotone tails far beyond the chromatographic peak, and the width
// check would measure the tail support instead of the peak.
const descentBaseline = 0.01

// Detect finds chromatographic peaks in a trace. sample may be nil; when
// given, the per-scan raw peaks inside the trace's m/z window provide the
// m/z bounds and apex of each detected peak, otherwise the trace window
// bounds are used. Detection never fails: empty or flat traces simply
// yield no peaks.
func Detect(t trace.Trace, sample *msdata.Sample, opt Options) []Peak {
	n := t.Len()
	if n < 5 {
		return nil
	}
	flat := true
	for i := 1; i < n; i++ {
		if t.Intensity[i] != t.Intensity[0] {
			flat = false
			break
		}
	}
	if flat {
		return nil
	}

	dt := medianSpacing(t.RT)
	if dt <= 0 {
		return nil
	}
	scales := waveletScales(opt, dt)

	// Best coefficient over all scales per trace point
	bestCoef := make([]float64, n)
	bestScale := make([]int, n)
	var smallest []float64
	for si, s := range scales {
		coef := cwtRow(t.Intensity, s)
		if si == 0 {
			smallest = coef
		}
		for i, c := range coef {
			if c > bestCoef[i] {
				bestCoef[i] = c
				bestScale[i] = s
			}
		}
	}
	noise := madNoise(smallest)

	var peaks []Peak
	for _, apex := range ridgeMaxima(bestCoef, bestScale) {
		if noise > 0 && bestCoef[apex]/noise < opt.SNRMin {
			continue
		}
		p, ok := boundPeak(t, apex, bestScale[apex], opt)
		if !ok {
			continue
		}
		refineApex(&t, &p)
		p.Area = t.Integrate(p.RtMin, p.RtMax)
		fillMzBounds(&p, t, sample)
		peaks = append(peaks, p)
	}
	sort.Slice(peaks, func(i, j int) bool { return peaks[i].RtApex < peaks[j].RtApex })
	return peaks
}

func medianSpacing(rt []float64) float64 {
	diffs := make([]float64, 0, len(rt)-1)
	for i := 1; i < len(rt); i++ {
		diffs = append(diffs, rt[i]-rt[i-1])
	}
	m, err := stats.Median(diffs)
	if err != nil {
		return 0
	}
	return m
}

// waveletScales converts the acceptable peak-width range into wavelet
// scales expressed in trace points. A peak of width w is matched best by
// a Mexican-hat of scale about w/4.
func waveletScales(opt Options, dt float64) []int {
	nScales := opt.NScales
	if nScales <= 0 {
		nScales = defaultNScales
	}
	sMin := opt.PeakWidthMin / dt / 4
	if sMin < 1 {
		sMin = 1
	}
	sMax := opt.PeakWidthMax / dt / 4
	if sMax < sMin {
		sMax = sMin
	}
	scales := make([]int, 0, nScales)
	prev := 0
	for i := 0; i < nScales; i++ {
		frac := float64(i) / float64(nScales-1)
		s := int(math.Round(sMin * math.Pow(sMax/sMin, frac)))
		if s > prev {
			scales = append(scales, s)
			prev = s
		}
	}
	return scales
}

// cwtRow computes the continuous wavelet transform of x at one scale
// using the Mexican-hat wavelet
func cwtRow(x []float64, scale int) []float64 {
	n := len(x)
	coef := make([]float64, n)
	support := 4 * scale
	for i := 0; i < n; i++ {
		var c float64
		for j := i - support; j <= i+support; j++ {
			if j < 0 || j >= n {
				continue
			}
			u := float64(j-i) / float64(scale)
			c += x[j] * (1 - u*u) * math.Exp(-u*u/2)
		}
		coef[i] = c / math.Sqrt(float64(scale))
	}
	return coef
}

// madNoise estimates the noise level as the scaled median absolute
// deviation of the smallest-scale wavelet coefficients
func madNoise(coef []float64) float64 {
	med, err := stats.Median(coef)
	if err != nil {
		return 0
	}
	dev := make([]float64, len(coef))
	for i, c := range coef {
		dev[i] = math.Abs(c - med)
	}
	mad, err := stats.Median(dev)
	if err != nil {
		return 0
	}
	return 1.4826 * mad
}

// ridgeMaxima returns candidate apex indices: local maxima of the best
// wavelet response, strongest first, suppressing maxima closer together
// than the local scale
func ridgeMaxima(coef []float64, scale []int) []int {
	var maxima []int
	for i := 1; i < len(coef)-1; i++ {
		if coef[i] > 0 && coef[i] >= coef[i-1] && coef[i] > coef[i+1] {
			maxima = append(maxima, i)
		}
	}
	sort.Slice(maxima, func(a, b int) bool { return coef[maxima[a]] > coef[maxima[b]] })
	suppressed := make(map[int]bool)
	var out []int
	for _, m := range maxima {
		if suppressed[m] {
			continue
		}
		out = append(out, m)
		for _, o := range maxima {
			if o != m && abs(o-m) <= scale[m] {
				suppressed[o] = true
			}
		}
	}
	sort.Ints(out)
	return out
}

func abs(a int) int {
	if a < 0 {
		return -a
	}
	return a
}

// boundPeak determines the left/right boundaries of a candidate and
// applies the width and clipping policies
func boundPeak(t trace.Trace, apex, scale int, opt Options) (Peak, bool) {
	n := t.Len()
	var lo, hi int
	clippedLo, clippedHi := false, false

	switch opt.IntegrationMode {
	case IntegrationFilter:
		lo = apex - 2*scale
		hi = apex + 2*scale
		if lo < 0 {
			lo, clippedLo = 0, true
		}
		if hi > n-1 {
			hi, clippedHi = n-1, true
		}
	default: // IntegrationDescent
		base := descentBaseline * t.Intensity[apex]
		lo = apex
		for lo > 0 && t.Intensity[lo-1] < t.Intensity[lo] && t.Intensity[lo] > base {
			lo--
		}
		hi = apex
		for hi < n-1 && t.Intensity[hi+1] < t.Intensity[hi] && t.Intensity[hi] > base {
			hi++
		}
		// No baseline return before the trace ends
		if lo == 0 && t.Intensity[0] > base {
			clippedLo = true
		}
		if hi == n-1 && t.Intensity[n-1] > base {
			clippedHi = true
		}
	}
	if lo >= apex || hi <= apex {
		return Peak{}, false
	}

	width := t.RT[hi] - t.RT[lo]
	clipped := clippedLo || clippedHi
	if width < opt.PeakWidthMin {
		return Peak{}, false
	}
	// A clipped peak may be narrower than its true width, so the upper
	// bound only applies to fully resolved peaks
	if !clipped && width > opt.PeakWidthMax {
		return Peak{}, false
	}

	p := Peak{
		RtMin:         t.RT[lo],
		RtMax:         t.RT[hi],
		RtApex:        t.RT[apex],
		MaxIntensity:  t.Intensity[apex],
		LowConfidence: clipped,
	}
	i1, i2 := t.Window(p.RtMin, p.RtMax)
	for i := i1; i < i2; i++ {
		if t.Intensity[i] > p.MaxIntensity {
			p.MaxIntensity = t.Intensity[i]
			p.RtApex = t.RT[i]
		}
	}
	return p, true
}

// refineApex fits a Gaussian peak model to the bounded window and moves
// the apex to the fitted mean when the fit stays inside the boundaries
func refineApex(t *trace.Trace, p *Peak) {
	i1, i2 := t.Window(p.RtMin, p.RtMax)
	if i2-i1 < 4 {
		return
	}
	rts := t.RT[i1:i2]
	ys := t.Intensity[i1:i2]

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			amp, mu, sigma := x[0], x[1], x[2]
			if sigma <= 0 {
				return math.MaxFloat64
			}
			var sum float64
			for i, rt := range rts {
				d := rt - mu
				diff := amp*math.Exp(-d*d/(2*sigma*sigma)) - ys[i]
				sum += diff * diff
			}
			return math.Sqrt(sum)
		},
	}
	pIn := []float64{p.MaxIntensity, p.RtApex, (p.RtMax - p.RtMin) / 4}
	result, err := optimize.Minimize(problem, pIn, nil, nil)
	if err != nil {
		return
	}
	mu := result.X[1]
	if mu > p.RtMin && mu < p.RtMax {
		p.RtApex = mu
	}
}

// fillMzBounds sets the m/z extent and apex of a peak from the raw scans
// inside its retention-time bounds, restricted to the trace's m/z window
func fillMzBounds(p *Peak, t trace.Trace, sample *msdata.Sample) {
	p.MzMin, p.MzMax = t.MzMin, t.MzMax
	if !math.IsInf(t.MzMin, 0) && !math.IsInf(t.MzMax, 0) {
		p.MzApex = (t.MzMin + t.MzMax) / 2
	}
	if sample != nil {
		p.SampleID = sample.ID
	}
	if sample == nil || math.IsInf(t.MzMin, -1) || math.IsInf(t.MzMax, 1) {
		return
	}
	mzMin, mzMax := math.MaxFloat64, -math.MaxFloat64
	var apexIntens float64
	for _, spec := range sample.Spectra {
		if spec.MSLevel != 1 ||
			spec.RetentionTime < p.RtMin || spec.RetentionTime > p.RtMax {
			continue
		}
		i1 := sort.Search(len(spec.Peaks), func(i int) bool { return spec.Peaks[i].Mz >= t.MzMin })
		i2 := sort.Search(len(spec.Peaks), func(i int) bool { return spec.Peaks[i].Mz > t.MzMax })
		for i := i1; i < i2; i++ {
			mz := spec.Peaks[i].Mz
			if mz < mzMin {
				mzMin = mz
			}
			if mz > mzMax {
				mzMax = mz
			}
			if spec.Peaks[i].Intens > apexIntens {
				apexIntens = spec.Peaks[i].Intens
				p.MzApex = mz
			}
		}
	}
	if mzMin <= mzMax {
		p.MzMin, p.MzMax = mzMin, mzMax
	}
}
