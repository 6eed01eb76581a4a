package mzml

import (
	"bytes"
	"math"
	"strings"
	"testing"
)

func TestWriteRoundTrip(t *testing.T) {
	f, err := Read(strings.NewReader(testDoc()))
	if err != nil {
		t.Fatalf("Read: error return %v", err)
	}
	// Scan 0 reports its start time in minutes; the stored unit must
	// survive the update
	err = f.SetRetentionTime(0, 90.0)
	if err != nil {
		t.Errorf("SetRetentionTime: error return %v", err)
	}
	err = f.SetRetentionTime(5, 1.0)
	if err != ErrInvalidScanIndex {
		t.Errorf("SetRetentionTime: error return %v, should be ErrInvalidScanIndex", err)
	}
	err = f.AppendSoftwareInfo("testprog", "0.0.1")
	if err != nil {
		t.Errorf("AppendSoftwareInfo: error return %v", err)
	}

	var buf bytes.Buffer
	err = f.Write(&buf)
	if err != nil {
		t.Fatalf("Write: error return %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `unitAccession="UO:0000031"`) {
		t.Errorf("Write: minute unit lost on scan 0")
	}
	if !strings.Contains(out, `testprog`) {
		t.Errorf("Write: appended software info missing")
	}

	f2, err := Read(strings.NewReader(out))
	if err != nil {
		t.Fatalf("Read: error return %v", err)
	}
	rt, err := f2.RetentionTime(0)
	if err != nil {
		t.Errorf("RetentionTime: error return %v", err)
	}
	if math.Abs(rt-90.0) > 1e-9 {
		t.Errorf("RetentionTime: %f, should be 90.0", rt)
	}
	// Untouched scan keeps its time
	rt, err = f2.RetentionTime(1)
	if err != nil {
		t.Errorf("RetentionTime: error return %v", err)
	}
	if math.Abs(rt-31.2) > 1e-9 {
		t.Errorf("RetentionTime: %f, should be 31.2", rt)
	}
	// Peak data survives the round trip
	p, err := f2.ReadScan(1)
	if err != nil {
		t.Errorf("ReadScan: error return %v", err)
	}
	if len(p) != 2 {
		t.Fatalf("ReadScan: %d peaks, should be 2", len(p))
	}
	if p[0].Mz < 81.069 || p[0].Mz > 81.071 {
		t.Errorf("ReadScan: peak 0 mz %v", p[0].Mz)
	}
}
