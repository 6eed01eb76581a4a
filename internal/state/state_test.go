package state

import (
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"mzfeature/internal/align"
	"mzfeature/internal/correspond"
	"mzfeature/internal/gapfill"
	"mzfeature/internal/msdata"
	"mzfeature/internal/peakdetect"
)

func testState(t *testing.T) *State {
	t.Helper()
	st := New([]*msdata.Sample{
		{ID: "s1", Name: "control 1", Group: "control", Path: "/data/c1.mzML"},
		{ID: "s2", Name: "treated 1", Group: "treated", Path: "/data/t1.mzML"},
	})
	st.Peaks["s1"] = []peakdetect.Peak{
		{SampleID: "s1", RtMin: 95, RtApex: 100, RtMax: 105, MzApex: 150.05, Area: 1000},
	}
	st.Features = []correspond.Feature{
		{ID: 1, MzMed: 150.05, RtMed: 100,
			Peaks: map[string]peakdetect.Peak{
				"s1": {SampleID: "s1", RtApex: 100, Area: 1000},
			}},
	}
	st.Fills = map[int]map[string]gapfill.Entry{
		1: {"s2": {Value: 123.4, Status: gapfill.StatusFilled}},
	}
	st.FillDeltaRt = 5

	m, err := align.NewModel("s1", []float64{100, 200, 300}, []float64{100, 200, 300}, 0.8)
	if err != nil {
		t.Fatalf("NewModel: error return %v", err)
	}
	m2, err := align.NewModel("s2", []float64{105, 205, 305}, []float64{100, 200, 300}, 0.8)
	if err != nil {
		t.Fatalf("NewModel: error return %v", err)
	}
	st.SetAlignment(map[string]*align.Model{"s1": m, "s2": m2})
	return st
}

func TestStateRoundTrip(t *testing.T) {
	st := testState(t)
	path := filepath.Join(t.TempDir(), "state.json")
	if err := Write(st, path); err != nil {
		t.Fatalf("Write: error return %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: error return %v", err)
	}
	if diff := cmp.Diff(st, got); diff != "" {
		t.Errorf("state changed in round trip (-want +got):\n%s", diff)
	}

	// Alignment models rebuild from the stored anchors
	models, err := got.Models()
	if err != nil {
		t.Fatalf("Models: error return %v", err)
	}
	m2 := models["s2"]
	if m2 == nil {
		t.Fatalf("Models: no model for s2")
	}
	if math.Abs(m2.Correct(105)-100) > 1e-6 {
		t.Errorf("Models: Correct(105) = %f, should be 100", m2.Correct(105))
	}
}

func TestStateVersionCheck(t *testing.T) {
	st := testState(t)
	st.FormatVersion = "0.0"
	path := filepath.Join(t.TempDir(), "state.json")
	if err := Write(st, path); err != nil {
		t.Fatalf("Write: error return %v", err)
	}
	if _, err := Read(path); err == nil {
		t.Errorf("Read: no error for unsupported format version")
	}
}

func TestExclude(t *testing.T) {
	st := testState(t)
	st.Exclude("s2", "insufficient anchors")
	active := st.ActiveSamples()
	if len(active) != 1 || active[0] != "s1" {
		t.Errorf("ActiveSamples: %v, should be [s1]", active)
	}
	for _, info := range st.Samples {
		if info.ID == "s2" && (!info.Excluded || info.Reason == "") {
			t.Errorf("Exclude: not recorded on s2: %+v", info)
		}
	}
}

func TestFeatureName(t *testing.T) {
	got := FeatureName(150.05123, 100.4)
	if got != "M150.0512T100" {
		t.Errorf("FeatureName: %s, should be M150.0512T100", got)
	}
}

func TestWriteFeatureTable(t *testing.T) {
	st := testState(t)
	var sb strings.Builder
	if err := st.WriteFeatureTable(&sb); err != nil {
		t.Fatalf("WriteFeatureTable: error return %v", err)
	}
	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("WriteFeatureTable: %d lines, should be 2", len(lines))
	}
	if lines[0] != "feature,mz_med,rt_med,control 1,treated 1" {
		t.Errorf("WriteFeatureTable: header %q", lines[0])
	}
	cells := strings.Split(lines[1], ",")
	if len(cells) != 5 {
		t.Fatalf("WriteFeatureTable: %d cells, should be 5", len(cells))
	}
	if cells[0] != "M150.0500T100" {
		t.Errorf("WriteFeatureTable: feature name %q", cells[0])
	}
	if cells[3] != "1000" {
		t.Errorf("WriteFeatureTable: s1 cell %q, should be the real area 1000", cells[3])
	}
	if cells[4] != "123.4" {
		t.Errorf("WriteFeatureTable: s2 cell %q, should be the filled value 123.4", cells[4])
	}
}

func TestWriteFeatureTableUnavailable(t *testing.T) {
	st := testState(t)
	st.Fills[1]["s2"] = gapfill.Entry{Status: gapfill.StatusUnavailable}
	var sb strings.Builder
	if err := st.WriteFeatureTable(&sb); err != nil {
		t.Fatalf("WriteFeatureTable: error return %v", err)
	}
	lines := strings.Split(strings.TrimSpace(sb.String()), "\n")
	cells := strings.Split(lines[1], ",")
	if cells[4] != "" {
		t.Errorf("WriteFeatureTable: s2 cell %q, should be empty for unavailable", cells[4])
	}
}

func TestMatchInclusion(t *testing.T) {
	st := testState(t)
	list := []msdata.InclusionEntry{
		{Mz: 150.052, RT: 102, Identity: "hit"},
		{Mz: 480.0, RT: 100, Identity: "miss"},
	}
	st.MatchInclusion(list, 0.01, 5)
	if len(st.Inclusion) != 2 {
		t.Fatalf("MatchInclusion: %d entries, should be 2", len(st.Inclusion))
	}
	if !st.Inclusion[0].Matched || st.Inclusion[0].FeatureID != 1 {
		t.Errorf("MatchInclusion: %+v, should match feature 1", st.Inclusion[0])
	}
	if st.Inclusion[1].Matched {
		t.Errorf("MatchInclusion: %+v, should be unmatched", st.Inclusion[1])
	}
}
