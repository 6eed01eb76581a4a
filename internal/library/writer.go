package library

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mzfeature/internal/correspond"
	"mzfeature/internal/msdata"
)

const headerDateFormat = "2006-01-02"

// Writer writes features and their representative spectra to a SQLite
// spectral-library file
type Writer struct {
	db           *sql.DB
	outputPath   string
	featureStmt  *sql.Stmt
	spectrumStmt *sql.Stmt
	spectrumID   int
}

// NewWriter creates the library database at outputPath
func NewWriter(outputPath string) (*Writer, error) {
	db, err := sql.Open("sqlite3", outputPath)
	if err != nil {
		return nil, fmt.Errorf("library: open database: %w", err)
	}

	w := &Writer{
		db:         db,
		outputPath: outputPath,
		spectrumID: 1,
	}

	if err := w.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	if err := w.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS FeatureTable (
		FeatureId INTEGER PRIMARY KEY,
		FeatureName TEXT,
		MzMed DOUBLE,
		RtMed DOUBLE,
		NumSamples INTEGER,
		NumFilled INTEGER
	);

	CREATE TABLE IF NOT EXISTS SpectrumTable (
		SpectrumId INTEGER PRIMARY KEY,
		FeatureId INTEGER REFERENCES FeatureTable(FeatureId),
		SampleId TEXT,
		ScanNumber INTEGER,
		RetentionTime DOUBLE,
		PrecursorMass DOUBLE,
		PrecursorPurity DOUBLE,
		PrecursorIntensity DOUBLE,
		NumFragments INTEGER,
		blobMass BLOB,
		blobIntensity BLOB
	);

	CREATE TABLE IF NOT EXISTS HeaderTable (
		version INTEGER NOT NULL DEFAULT 0,
		CreationDate TEXT,
		Description TEXT
	);
	`
	if _, err := w.db.Exec(schema); err != nil {
		return fmt.Errorf("library: create tables: %w", err)
	}
	return nil
}

func (w *Writer) prepareStatements() error {
	var err error

	w.featureStmt, err = w.db.Prepare(`
		INSERT INTO FeatureTable (
			FeatureId, FeatureName, MzMed, RtMed, NumSamples, NumFilled
		) VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("library: prepare feature statement: %w", err)
	}

	w.spectrumStmt, err = w.db.Prepare(`
		INSERT INTO SpectrumTable (
			SpectrumId, FeatureId, SampleId, ScanNumber, RetentionTime,
			PrecursorMass, PrecursorPurity, PrecursorIntensity,
			NumFragments, blobMass, blobIntensity
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("library: prepare spectrum statement: %w", err)
	}
	return nil
}

// WriteFeature inserts one feature row. numFilled is the number of
// gap-filled sample values for the feature.
func (w *Writer) WriteFeature(f correspond.Feature, name string, numFilled int) error {
	_, err := w.featureStmt.Exec(
		f.ID, name, f.MzMed, f.RtMed, len(f.Peaks), numFilled,
	)
	if err != nil {
		return fmt.Errorf("library: insert feature %d: %w", f.ID, err)
	}
	return nil
}

// WriteRepresentative inserts the representative spectrum of a feature.
// rt is the (aligned) acquisition time of the chosen scan.
func (w *Writer) WriteRepresentative(rep Representative, rt float64) error {
	mzBlob := encodePeaksFloat64(rep.Peaks, true)
	intBlob := encodePeaksFloat64(rep.Peaks, false)

	_, err := w.spectrumStmt.Exec(
		w.spectrumID,
		rep.FeatureID,
		rep.SampleID,
		rep.ScanIndex,
		rt,
		rep.PrecursorMz,
		rep.Purity,
		rep.Intensity,
		len(rep.Peaks),
		mzBlob,
		intBlob,
	)
	if err != nil {
		return fmt.Errorf("library: insert spectrum for feature %d: %w", rep.FeatureID, err)
	}
	w.spectrumID++
	return nil
}

// encodePeaksFloat64 encodes peak data as a little-endian float64 blob
func encodePeaksFloat64(peaks []msdata.Peak, useMz bool) []byte {
	buf := make([]byte, len(peaks)*8)
	for i, peak := range peaks {
		v := peak.Intens
		if useMz {
			v = peak.Mz
		}
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// Finalize writes the header table and closes the database
func (w *Writer) Finalize(description string) error {
	_, err := w.db.Exec(`
		INSERT INTO HeaderTable (version, CreationDate, Description)
		VALUES (?, ?, ?)
	`, 1, time.Now().Format(headerDateFormat), description)
	if err != nil {
		return fmt.Errorf("library: insert header: %w", err)
	}

	if w.featureStmt != nil {
		w.featureStmt.Close()
	}
	if w.spectrumStmt != nil {
		w.spectrumStmt.Close()
	}
	if err := w.db.Close(); err != nil {
		return fmt.Errorf("library: close database: %w", err)
	}
	return nil
}
