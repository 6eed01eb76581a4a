package msdata

import (
	"fmt"
	"os"
	"sort"

	"mzfeature/internal/mzml"
)

// FromMzML converts a parsed mzML acquisition into a Sample, validating
// the preconditions the rest of the pipeline depends on: retention times
// monotonically increasing in scan order, peaks sorted by m/z.
// A violated scan order is fatal for the sample (ErrUnsortedAcquisition).
func FromMzML(f *mzml.MzML, meta ManifestEntry) (*Sample, error) {
	numSpecs := f.NumSpecs()
	sample := &Sample{
		ID:      meta.SampleID,
		Name:    meta.SampleName,
		Group:   meta.Group,
		Path:    meta.File,
		Spectra: make([]Spectrum, 0, numSpecs),
	}

	prevRT := -1.0
	for i := 0; i < numSpecs; i++ {
		rt, err := f.RetentionTime(i)
		if err != nil {
			return nil, fmt.Errorf("sample %s scan %d: %w", meta.SampleID, i, err)
		}
		if rt < prevRT {
			return nil, fmt.Errorf("sample %s scan %d (rt %g after %g): %w",
				meta.SampleID, i, rt, prevRT, ErrUnsortedAcquisition)
		}
		prevRT = rt

		msLevel, err := f.MSLevel(i)
		if err != nil {
			return nil, fmt.Errorf("sample %s scan %d: %w", meta.SampleID, i, err)
		}
		centroided, err := f.Centroid(i)
		if err != nil {
			return nil, fmt.Errorf("sample %s scan %d: %w", meta.SampleID, i, err)
		}
		rawPeaks, err := f.ReadScan(i)
		if err != nil {
			return nil, fmt.Errorf("sample %s scan %d: %w", meta.SampleID, i, err)
		}
		// The mzML schema does not guarantee peak order, sort before use
		peaks := make([]Peak, len(rawPeaks))
		for k, p := range rawPeaks {
			peaks[k] = Peak{Mz: p.Mz, Intens: p.Intens}
		}
		sort.Slice(peaks, func(a, b int) bool { return peaks[a].Mz < peaks[b].Mz })

		spec := Spectrum{
			ScanIndex:     i,
			MSLevel:       msLevel,
			RetentionTime: rt,
			Peaks:         peaks,
			Centroided:    centroided,
		}
		spec.PrecursorMz, err = f.PrecursorMz(i)
		if err != nil {
			return nil, fmt.Errorf("sample %s scan %d: %w", meta.SampleID, i, err)
		}
		spec.IsolationLow, spec.IsolationHigh, err = f.IsolationWindow(i)
		if err != nil {
			return nil, fmt.Errorf("sample %s scan %d: %w", meta.SampleID, i, err)
		}
		sample.Spectra = append(sample.Spectra, spec)
	}
	return sample, nil
}

// LoadSample reads and validates one acquisition file
func LoadSample(meta ManifestEntry) (*Sample, error) {
	f, err := os.Open(meta.File)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", meta.SampleID, err)
	}
	defer f.Close()
	mz, err := mzml.Read(f)
	if err != nil {
		return nil, fmt.Errorf("sample %s: %w", meta.SampleID, err)
	}
	return FromMzML(&mz, meta)
}
