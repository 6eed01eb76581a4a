// Package state serializes the evolving pipeline results between stages:
// per-sample peaks, features, alignment models and gap-fill entries.
// Each stage consumes the prior stage's state and produces a new one;
// earlier states are never mutated, so a run can be resumed or reproduced
// from any stage boundary.
package state

import (
	"encoding/json"
	"fmt"
	"os"

	"mzfeature/internal/align"
	"mzfeature/internal/correspond"
	"mzfeature/internal/gapfill"
	"mzfeature/internal/msdata"
	"mzfeature/internal/peakdetect"
)

// Format of the state file, so that output from old versions can still
// be parsed if it ever changes
const formatVersion = "1.0"

// SampleInfo is the per-sample metadata carried through the run
type SampleInfo struct {
	ID       string
	Name     string
	Group    string
	Path     string
	NumSpecs int
	Excluded bool   `json:",omitempty"` // e.g. no alignment model
	Reason   string `json:",omitempty"`
}

// AlignmentRecord holds one sample's fitted anchor arrays; the evaluable
// curve is rebuilt on load
type AlignmentRecord struct {
	SampleID  string
	RawRT     []float64
	AlignedRT []float64
}

// InclusionMatch is the report entry for one inclusion-list compound
type InclusionMatch struct {
	Identity  string
	Mz        float64
	RT        float64
	FeatureID int  `json:",omitempty"`
	Matched   bool // false = unmatched within tolerance, reported as data
}

// State is the serialized form of a pipeline run
type State struct {
	FormatVersion string
	Samples       []SampleInfo
	// Peaks holds each sample's refined peaks in raw retention
	// coordinates, keyed by sample id
	Peaks map[string][]peakdetect.Peak
	// Features are the post-realignment features all later stages use
	Features  []correspond.Feature
	Alignment []AlignmentRecord
	// Fills maps feature id -> sample id -> gap-fill entry
	Fills       map[int]map[string]gapfill.Entry
	FillDeltaRt float64
	// ExceedReal counts gap-filled values above their feature's largest
	// real value (data-quality signal, see gapfill)
	ExceedReal int
	Inclusion  []InclusionMatch `json:",omitempty"`
}

// New builds an initial state from loaded sample metadata
func New(samples []*msdata.Sample) *State {
	st := &State{
		FormatVersion: formatVersion,
		Peaks:         make(map[string][]peakdetect.Peak),
	}
	for _, s := range samples {
		st.Samples = append(st.Samples, SampleInfo{
			ID:       s.ID,
			Name:     s.Name,
			Group:    s.Group,
			Path:     s.Path,
			NumSpecs: len(s.Spectra),
		})
	}
	return st
}

// SetAlignment records the fitted models
func (st *State) SetAlignment(models map[string]*align.Model) {
	st.Alignment = st.Alignment[:0]
	for _, info := range st.Samples {
		m, ok := models[info.ID]
		if !ok {
			continue
		}
		st.Alignment = append(st.Alignment, AlignmentRecord{
			SampleID:  m.SampleID,
			RawRT:     m.RawRT,
			AlignedRT: m.AlignedRT,
		})
	}
}

// Models rebuilds the alignment models from the stored anchor arrays
func (st *State) Models() (map[string]*align.Model, error) {
	models := make(map[string]*align.Model, len(st.Alignment))
	for _, rec := range st.Alignment {
		m, err := align.Restore(rec.SampleID, rec.RawRT, rec.AlignedRT)
		if err != nil {
			return nil, fmt.Errorf("state: alignment for sample %s: %w", rec.SampleID, err)
		}
		models[rec.SampleID] = m
	}
	return models, nil
}

// Exclude marks a sample as excluded from downstream stages
func (st *State) Exclude(sampleID, reason string) {
	for i := range st.Samples {
		if st.Samples[i].ID == sampleID {
			st.Samples[i].Excluded = true
			st.Samples[i].Reason = reason
			return
		}
	}
}

// ActiveSamples returns the ids of samples not excluded
func (st *State) ActiveSamples() []string {
	var ids []string
	for _, s := range st.Samples {
		if !s.Excluded {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Write stores the state as indented JSON
func Write(st *State, filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	e := json.NewEncoder(f)
	e.SetIndent(``, `  `) // Make output easier to read for humans
	return e.Encode(st)
}

// Read loads a state file
func Read(filename string) (*State, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var st State
	d := json.NewDecoder(f)
	if err := d.Decode(&st); err != nil {
		return nil, fmt.Errorf("state: %s: %w", filename, err)
	}
	if st.FormatVersion != formatVersion {
		return nil, fmt.Errorf("state: %s: unsupported format version %q", filename, st.FormatVersion)
	}
	return &st, nil
}
