package library

import (
	"database/sql"
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"mzfeature/internal/correspond"
	"mzfeature/internal/msdata"
	"mzfeature/internal/peakdetect"
)

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test-library.db")
	w, err := NewWriter(path)
	if err != nil {
		t.Fatalf("NewWriter: error return %v", err)
	}

	f := correspond.Feature{
		ID: 1, MzMed: 150.05, RtMed: 100.0,
		Peaks: map[string]peakdetect.Peak{
			"s1": {SampleID: "s1", Area: 1000},
			"s2": {SampleID: "s2", Area: 900},
		},
	}
	if err := w.WriteFeature(f, "M150.0500T100", 1); err != nil {
		t.Fatalf("WriteFeature: error return %v", err)
	}
	rep := Representative{
		FeatureID:   1,
		SampleID:    "s1",
		ScanIndex:   42,
		PrecursorMz: 150.0501,
		Purity:      0.9,
		Intensity:   9000,
		Peaks: []msdata.Peak{
			{Mz: 81.07, Intens: 500},
			{Mz: 123.11, Intens: 300},
		},
	}
	if err := w.WriteRepresentative(rep, 101.5); err != nil {
		t.Fatalf("WriteRepresentative: error return %v", err)
	}
	if err := w.Finalize("test library"); err != nil {
		t.Fatalf("Finalize: error return %v", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("open written library: %v", err)
	}
	defer db.Close()

	var name string
	var mzMed, rtMed float64
	var numSamples, numFilled int
	err = db.QueryRow(`SELECT FeatureName, MzMed, RtMed, NumSamples, NumFilled
		FROM FeatureTable WHERE FeatureId = 1`).
		Scan(&name, &mzMed, &rtMed, &numSamples, &numFilled)
	if err != nil {
		t.Fatalf("query feature: %v", err)
	}
	if name != "M150.0500T100" {
		t.Errorf("FeatureName: %s", name)
	}
	if numSamples != 2 || numFilled != 1 {
		t.Errorf("NumSamples/NumFilled: %d/%d, should be 2/1", numSamples, numFilled)
	}

	var sampleID string
	var scan, nFrag int
	var rt, precMz, purity float64
	var blobMass, blobIntens []byte
	err = db.QueryRow(`SELECT SampleId, ScanNumber, RetentionTime, PrecursorMass,
		PrecursorPurity, NumFragments, blobMass, blobIntensity
		FROM SpectrumTable WHERE FeatureId = 1`).
		Scan(&sampleID, &scan, &rt, &precMz, &purity, &nFrag, &blobMass, &blobIntens)
	if err != nil {
		t.Fatalf("query spectrum: %v", err)
	}
	if sampleID != "s1" || scan != 42 || nFrag != 2 {
		t.Errorf("spectrum row: %s scan %d frags %d", sampleID, scan, nFrag)
	}
	if math.Abs(rt-101.5) > 1e-9 {
		t.Errorf("RetentionTime: %f, should be 101.5", rt)
	}
	if math.Abs(precMz-150.0501) > 1e-9 {
		t.Errorf("PrecursorMass: %f, should be 150.0501", precMz)
	}
	if len(blobMass) != 16 || len(blobIntens) != 16 {
		t.Fatalf("blob lengths %d/%d, should be 16/16", len(blobMass), len(blobIntens))
	}
	mz0 := math.Float64frombits(binary.LittleEndian.Uint64(blobMass))
	if math.Abs(mz0-81.07) > 1e-9 {
		t.Errorf("blobMass[0]: %f, should be 81.07", mz0)
	}
	in1 := math.Float64frombits(binary.LittleEndian.Uint64(blobIntens[8:]))
	if math.Abs(in1-300) > 1e-9 {
		t.Errorf("blobIntensity[1]: %f, should be 300", in1)
	}

	var desc string
	if err := db.QueryRow(`SELECT Description FROM HeaderTable`).Scan(&desc); err != nil {
		t.Fatalf("query header: %v", err)
	}
	if desc != "test library" {
		t.Errorf("Description: %s", desc)
	}
}
