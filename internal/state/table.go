package state

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"mzfeature/internal/correspond"
	"mzfeature/internal/gapfill"
	"mzfeature/internal/msdata"
)

// FeatureName derives the display name of a feature from its rounded
// coordinates, e.g. M217.1074T284
func FeatureName(mzMed, rtMed float64) string {
	return fmt.Sprintf("M%sT%s",
		strconv.FormatFloat(mzMed, 'f', 4, 64),
		strconv.FormatFloat(rtMed, 'f', 0, 64))
}

// WriteFeatureTable writes the flat feature table: one row per feature
// with its name, coordinates and one intensity column per sample.
// Real peaks contribute their integrated area, gap-filled slots their
// estimate; unavailable slots are left empty to stay distinguishable
// from zero.
func (st *State) WriteFeatureTable(w io.Writer) error {
	cw := csv.NewWriter(w)

	header := []string{"feature", "mz_med", "rt_med"}
	for _, s := range st.Samples {
		if !s.Excluded {
			header = append(header, s.Name)
		}
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, f := range st.Features {
		row := []string{
			FeatureName(f.MzMed, f.RtMed),
			strconv.FormatFloat(f.MzMed, 'f', 4, 64),
			strconv.FormatFloat(f.RtMed, 'f', 2, 64),
		}
		for _, s := range st.Samples {
			if s.Excluded {
				continue
			}
			row = append(row, st.cellValue(&f, s.ID))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (st *State) cellValue(f *correspond.Feature, sampleID string) string {
	if p, ok := f.Peaks[sampleID]; ok {
		return strconv.FormatFloat(p.Area, 'g', -1, 64)
	}
	if fills, ok := st.Fills[f.ID]; ok {
		if e, ok := fills[sampleID]; ok && e.Status == gapfill.StatusFilled {
			return strconv.FormatFloat(e.Value, 'g', -1, 64)
		}
	}
	return "" // unavailable
}

// MatchInclusion checks each inclusion-list compound against the feature
// set and records the outcome. A compound matches the closest feature (by
// absolute m/z distance) within both tolerances; compounds with no feature
// in range are reported unmatched rather than dropped.
func (st *State) MatchInclusion(list []msdata.InclusionEntry, tolMz, tolRt float64) {
	st.Inclusion = st.Inclusion[:0]
	for _, entry := range list {
		m := InclusionMatch{
			Identity: entry.Identity,
			Mz:       entry.Mz,
			RT:       entry.RT,
		}
		best := -1
		bestDist := tolMz
		for i, f := range st.Features {
			dMz := f.MzMed - entry.Mz
			if dMz < 0 {
				dMz = -dMz
			}
			dRt := f.RtMed - entry.RT
			if dRt < 0 {
				dRt = -dRt
			}
			if dMz <= bestDist && dRt <= tolRt {
				best = i
				bestDist = dMz
			}
		}
		if best >= 0 {
			m.FeatureID = st.Features[best].ID
			m.Matched = true
		}
		st.Inclusion = append(st.Inclusion, m)
	}
}
