package msdata

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
)

// ManifestEntry is one row of the sample manifest CSV
type ManifestEntry struct {
	SampleID   string `csv:"sample_id"`
	SampleName string `csv:"sample_name"`
	Group      string `csv:"group"`
	File       string `csv:"file"`
}

// InclusionEntry is one row of the optional inclusion list: an expected
// compound used for validation and reporting only, never for detection
type InclusionEntry struct {
	Mz       float64 `csv:"mz"`
	RT       float64 `csv:"rt"`
	Identity string  `csv:"identity"`
}

// ReadManifest parses a sample manifest. Duplicate sample ids and rows
// without a file are rejected; an empty manifest yields ErrNoSamples.
func ReadManifest(in io.Reader) ([]ManifestEntry, error) {
	var entries []ManifestEntry
	if err := gocsv.Unmarshal(in, &entries); err != nil {
		return nil, fmt.Errorf("msdata: manifest: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrNoSamples
	}
	seen := make(map[string]bool, len(entries))
	for i := range entries {
		e := &entries[i]
		if e.SampleID == "" {
			return nil, fmt.Errorf("msdata: manifest row %d: missing sample_id", i+1)
		}
		if seen[e.SampleID] {
			return nil, fmt.Errorf("msdata: manifest: duplicate sample_id %q", e.SampleID)
		}
		seen[e.SampleID] = true
		if e.File == "" {
			return nil, fmt.Errorf("msdata: manifest: sample %q has no file", e.SampleID)
		}
		if e.SampleName == "" {
			e.SampleName = e.SampleID
		}
		if e.Group == "" {
			e.Group = "default"
		}
	}
	return entries, nil
}

// ReadManifestFile reads the manifest at path, resolving relative
// acquisition file names against the manifest's directory.
func ReadManifestFile(path string) ([]ManifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	entries, err := ReadManifest(f)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	for i := range entries {
		if !filepath.IsAbs(entries[i].File) {
			entries[i].File = filepath.Join(dir, entries[i].File)
		}
	}
	return entries, nil
}

// ReadInclusionList parses the optional inclusion list CSV
func ReadInclusionList(in io.Reader) ([]InclusionEntry, error) {
	var entries []InclusionEntry
	if err := gocsv.Unmarshal(in, &entries); err != nil {
		return nil, fmt.Errorf("msdata: inclusion list: %w", err)
	}
	return entries, nil
}

// GroupSizes returns the number of samples per group
func GroupSizes(entries []ManifestEntry) map[string]int {
	sizes := make(map[string]int)
	for _, e := range entries {
		sizes[e.Group]++
	}
	return sizes
}
