// Package correspond groups chromatographic peaks detected independently
// per sample into cross-sample features, using kernel-density clustering
// of apex retention times within narrow m/z neighborhoods.
package correspond

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"

	"mzfeature/internal/peakdetect"
)

// Options controls correspondence.
//
// Bandwidth is the dominant tunable: too small over-splits one chemical
// entity into several features, too large collapses co-eluting entities
// into one. The correct value depends on the remaining retention-time
// jitter, so grouping is re-run after alignment with a tighter bandwidth.
type Options struct {
	Bandwidth   float64 // Gaussian KDE bandwidth over retention time, seconds
	MinFraction float64 // fraction of some sample group that must contribute
	MzBinWidth  float64 // maximum m/z gap within one neighborhood
}

// Feature is a cross-sample group of peaks believed to represent one
// chemical entity. MzMed and RtMed are medians of the member peak apexes,
// frozen at creation.
type Feature struct {
	ID    int
	MzMed float64
	RtMed float64
	Peaks map[string]peakdetect.Peak // sample id -> real detected peak
}

// Group partitions peaks into features. sampleGroups maps each sample id
// to its replicate group; groupSizes gives the number of samples per
// group. Peaks that do not form a sufficiently replicated cluster are
// dropped as noise. Every input peak ends up in at most one feature.
func Group(peaks []peakdetect.Peak, sampleGroups map[string]string,
	groupSizes map[string]int, opt Options) []Feature {

	sorted := make([]peakdetect.Peak, len(peaks))
	copy(sorted, peaks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MzApex < sorted[j].MzApex })

	var features []Feature
	for _, bucket := range mzBuckets(sorted, opt.MzBinWidth) {
		for _, cluster := range rtClusters(bucket, opt.Bandwidth) {
			f, ok := makeFeature(cluster, sampleGroups, groupSizes, opt.MinFraction)
			if ok {
				features = append(features, f)
			}
		}
	}

	sort.Slice(features, func(i, j int) bool {
		if features[i].MzMed != features[j].MzMed {
			return features[i].MzMed < features[j].MzMed
		}
		return features[i].RtMed < features[j].RtMed
	})
	for i := range features {
		features[i].ID = i + 1
	}
	return features
}

// mzBuckets splits mz-sorted peaks into neighborhoods: a new bucket
// starts wherever the gap to the previous peak exceeds binWidth
func mzBuckets(sorted []peakdetect.Peak, binWidth float64) [][]peakdetect.Peak {
	var buckets [][]peakdetect.Peak
	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i == len(sorted) || sorted[i].MzApex-sorted[i-1].MzApex > binWidth {
			buckets = append(buckets, sorted[start:i])
			start = i
		}
	}
	return buckets
}

// rtClusters splits one m/z neighborhood into clusters of peaks around
// local maxima of the Gaussian kernel density of apex retention times.
// A peak equidistant between two maxima goes to the denser one.
func rtClusters(bucket []peakdetect.Peak, bandwidth float64) [][]peakdetect.Peak {
	if len(bucket) == 0 {
		return nil
	}
	if len(bucket) == 1 {
		return [][]peakdetect.Peak{bucket}
	}

	rts := make([]float64, len(bucket))
	lo, hi := math.MaxFloat64, -math.MaxFloat64
	for i, p := range bucket {
		rts[i] = p.RtApex
		if p.RtApex < lo {
			lo = p.RtApex
		}
		if p.RtApex > hi {
			hi = p.RtApex
		}
	}

	grid, density := kernelDensity(rts, bandwidth, lo-3*bandwidth, hi+3*bandwidth)
	maxima := localMaxima(density)
	if len(maxima) <= 1 {
		return [][]peakdetect.Peak{bucket}
	}

	clusters := make([][]peakdetect.Peak, len(maxima))
	for _, p := range bucket {
		best := 0
		bestDist := math.MaxFloat64
		for mi, gi := range maxima {
			d := math.Abs(p.RtApex - grid[gi])
			if d < bestDist ||
				(d == bestDist && density[gi] > density[maxima[best]]) {
				best = mi
				bestDist = d
			}
		}
		clusters[best] = append(clusters[best], p)
	}

	var out [][]peakdetect.Peak
	for _, c := range clusters {
		if len(c) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// kernelDensity evaluates a Gaussian KDE of xs on a fixed grid
func kernelDensity(xs []float64, bandwidth, lo, hi float64) ([]float64, []float64) {
	step := bandwidth / 3
	n := int((hi-lo)/step) + 2
	grid := make([]float64, n)
	density := make([]float64, n)
	for i := range grid {
		g := lo + float64(i)*step
		grid[i] = g
		var d float64
		for _, x := range xs {
			u := (g - x) / bandwidth
			d += math.Exp(-u * u / 2)
		}
		density[i] = d
	}
	return grid, density
}

func localMaxima(density []float64) []int {
	var maxima []int
	for i := 1; i < len(density)-1; i++ {
		if density[i] > density[i-1] && density[i] >= density[i+1] {
			maxima = append(maxima, i)
		}
	}
	return maxima
}

// makeFeature turns a cluster into a feature if peaks from at least
// minFraction of the samples of some group are present. A sample
// contributing more than one peak keeps the larger-area one; the rest of
// its peaks are dropped.
func makeFeature(cluster []peakdetect.Peak, sampleGroups map[string]string,
	groupSizes map[string]int, minFraction float64) (Feature, bool) {

	members := make(map[string]peakdetect.Peak)
	for _, p := range cluster {
		if prev, ok := members[p.SampleID]; !ok || p.Area > prev.Area {
			members[p.SampleID] = p
		}
	}

	groupCount := make(map[string]int)
	for sampleID := range members {
		groupCount[sampleGroups[sampleID]]++
	}
	replicated := false
	for group, count := range groupCount {
		size := groupSizes[group]
		if size > 0 && float64(count)/float64(size) >= minFraction {
			replicated = true
			break
		}
	}
	if !replicated {
		return Feature{}, false
	}

	mzs := make([]float64, 0, len(members))
	rts := make([]float64, 0, len(members))
	for _, p := range members {
		mzs = append(mzs, p.MzApex)
		rts = append(rts, p.RtApex)
	}
	mzMed, _ := stats.Median(mzs)
	rtMed, _ := stats.Median(rts)
	return Feature{MzMed: mzMed, RtMed: rtMed, Peaks: members}, true
}
