package mzml

import (
	"encoding/xml"
	"io"
	"strconv"
)

func (f *MzML) Write(writer io.Writer) error {
	writer.Write(([]byte)(
		`<?xml version="1.0" encoding="utf-8"?>
`))
	enc := xml.NewEncoder(writer)
	enc.Indent(` `, `  `)
	var content mzMLContentWrite

	content.XMLName = f.content.XMLName
	content.Sl1 = "http://psi.hupo.org/ms/mzml http://psidev.info/files/ms/mzML/xsd/mzML1.1.0.xsd"
	content.Version = "1.1.0"
	content.Sl2 = "http://www.w3.org/2001/XMLSchema-instance"
	content.CvList = f.content.CvList
	content.FileDescription = f.content.FileDescription
	content.ReferenceableParamGroupList = f.content.ReferenceableParamGroupList
	content.SoftwareList = f.content.SoftwareList
	content.InstrumentConfigurationList = f.content.InstrumentConfigurationList
	content.DataProcessingList = f.content.DataProcessingList
	content.Run = f.content.Run

	return enc.Encode(&content)
}

// AppendSoftwareInfo adds info to the SoftwareList tag of the mzML file
func (f *MzML) AppendSoftwareInfo(id string, version string) error {
	var sw software

	sw.ID = id
	sw.Version = version
	if f.content.SoftwareList == nil {
		f.content.SoftwareList = &softwareList{}
	}
	f.content.SoftwareList.Count++
	f.content.SoftwareList.Software = append(f.content.SoftwareList.Software, sw)
	return nil
}

// AppendDataProcessing adds info to the DataProcessing tag of the mzML file
func (f *MzML) AppendDataProcessing(proc DataProcessing) error {
	if f.content.DataProcessingList == nil {
		f.content.DataProcessingList = &dataProcessingList{}
	}
	f.content.DataProcessingList.Count++
	f.content.DataProcessingList.DataProcessingd = append(f.content.DataProcessingList.DataProcessingd, proc)
	return nil
}

// SetRetentionTime overwrites the retention time of a scan.
// rt is in seconds; when the file reports the scan start time in minutes
// the stored value is converted so the original unit is preserved.
func (f *MzML) SetRetentionTime(scanIndex int, rt float64) error {
	if scanIndex < 0 || scanIndex >= f.NumSpecs() {
		return ErrInvalidScanIndex
	}
	scans := f.content.Run.SpectrumList.Spectrum[scanIndex].ScanList.Scan
	for i := range scans {
		for k, cvParam := range scans[i].CvPar {
			if cvParam.Accession == "MS:1000016" {
				v := rt
				if cvParam.UnitAccession == "UO:0000031" ||
					cvParam.UnitAccession == "MS:1000038" {
					v = rt / 60
				}
				scans[i].CvPar[k].Value = strconv.FormatFloat(v, 'f', 8, 64)
				return nil
			}
		}
	}
	return nil
}
