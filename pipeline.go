// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/carbocation/pfx"

	"mzfeature/internal/align"
	"mzfeature/internal/correspond"
	"mzfeature/internal/gapfill"
	"mzfeature/internal/library"
	"mzfeature/internal/msdata"
	"mzfeature/internal/mzml"
	"mzfeature/internal/peakdetect"
	"mzfeature/internal/precursor"
	"mzfeature/internal/state"
	"mzfeature/internal/trace"
)

// Data processing step added to aligned mzML output
var alignProcessing = mzml.DataProcessing{
	ID: progName,
	ProcessingMeth: []mzml.ProcessingMethod{
		{
			Count:       0,
			SoftwareRef: progName,
			CvPar: []mzml.CVParam{
				{
					Accession: `MS:1000745`,
					Name:      `retention time alignment`,
				},
			},
		},
	},
}

func stateFilename(par params) string    { return *par.outPrefix + "-state.json" }
func featuresFilename(par params) string { return *par.outPrefix + "-features.csv" }
func libraryFilename(par params) string  { return *par.outPrefix + "-library.db" }

// alignedFilename derives the output name for an aligned copy of an
// acquisition file
func alignedFilename(path string) string {
	ext := filepath.Ext(path)
	return path[:len(path)-len(ext)] + "-aligned" + ext
}

// forEachSample runs fn for the given samples, loading at most par.chunk
// acquisitions at a time and processing each chunk with par.workers
// concurrent workers. Cross-sample stages must not start before every
// sample of the run is done, so callers rely on forEachSample returning
// only after the last worker finished. fn is called concurrently and must
// lock shared state itself.
func forEachSample(par params, infos []state.SampleInfo,
	fn func(idx int, info state.SampleInfo, s *msdata.Sample) error) error {

	chunk := *par.chunk
	if chunk <= 0 {
		chunk = len(infos)
	}
	for lo := 0; lo < len(infos); lo += chunk {
		hi := lo + chunk
		if hi > len(infos) {
			hi = len(infos)
		}

		var wg sync.WaitGroup
		sem := make(chan struct{}, *par.workers)
		errs := make([]error, hi-lo)
		for i := lo; i < hi; i++ {
			wg.Add(1)
			sem <- struct{}{}
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()
				info := infos[i]
				s, err := msdata.LoadSample(msdata.ManifestEntry{
					SampleID:   info.ID,
					SampleName: info.Name,
					Group:      info.Group,
					File:       info.Path,
				})
				if err == nil {
					err = fn(i, info, s)
				}
				errs[i-lo] = err
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// sampleInfos converts manifest entries to pipeline sample records
func sampleInfos(entries []msdata.ManifestEntry) []state.SampleInfo {
	infos := make([]state.SampleInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, state.SampleInfo{
			ID:    e.SampleID,
			Name:  e.SampleName,
			Group: e.Group,
			Path:  e.File,
		})
	}
	return infos
}

// activeInfos returns the samples not excluded from the run
func activeInfos(st *state.State) []state.SampleInfo {
	var infos []state.SampleInfo
	for _, info := range st.Samples {
		if !info.Excluded {
			infos = append(infos, info)
		}
	}
	return infos
}

// detectPeaks runs the per-sample part of the pipeline: load each
// acquisition, extract an intensity trace per observed m/z window,
// detect peaks in each trace and merge split detections. Detection runs
// per window so every peak carries the finite m/z coordinates all
// cross-sample stages key on. The result is written as the stage 1
// state.
func detectPeaks(par params) *state.State {
	t := time.Now()
	if par.verbosity == infoVerbose {
		fmt.Fprintf(os.Stderr, "Reading manifest from %s: ", *par.dataDir)
	}
	entries, err := msdata.ReadManifestFile(filepath.Join(*par.dataDir, "manifest.csv"))
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}
	if len(entries) == 0 {
		log.Fatalln(pfx.Err(msdata.ErrNoSamples))
	}
	if par.verbosity == infoVerbose {
		fmt.Fprintf(os.Stderr, "%d samples (%s)\n", len(entries), time.Since(t))
		t = time.Now()
		fmt.Fprintf(os.Stderr, "Detecting peaks: ")
	}

	st := state.New(nil)
	st.Samples = sampleInfos(entries)

	detOpt := peakdetect.Options{
		PeakWidthMin:    par.peakWidthMin,
		PeakWidthMax:    par.peakWidthMax,
		SNRMin:          *par.snrMin,
		IntegrationMode: *par.integMode,
	}
	refOpt := peakdetect.RefineOptions{
		ExpandRt: *par.refineRt,
		ExpandMz: *par.refineMz,
	}

	var mu sync.Mutex
	err = forEachSample(par, st.Samples, func(idx int, info state.SampleInfo, s *msdata.Sample) error {
		var peaks []peakdetect.Peak
		for _, w := range trace.MzWindows(s, *par.mzBinWidth, trace.Sum) {
			tr := trace.Extract(s, w)
			peaks = append(peaks, peakdetect.Detect(tr, s, detOpt)...)
		}
		peaks = peakdetect.Refine(peaks, s, refOpt)
		mu.Lock()
		st.Samples[idx].NumSpecs = len(s.Spectra)
		st.Peaks[info.ID] = peaks
		mu.Unlock()
		return nil
	})
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}
	if par.verbosity == infoVerbose {
		n := 0
		for _, p := range st.Peaks {
			n += len(p)
		}
		fmt.Fprintf(os.Stderr, "%d peaks (%s)\n", n, time.Since(t))
	}

	if err := state.Write(st, stateFilename(par)); err != nil {
		log.Fatalln(pfx.Err(err))
	}
	return st
}

// reconcile runs the cross-sample part of the pipeline: group peaks into
// features, fit retention time corrections on shared features, regroup
// the aligned peaks with a tighter bandwidth and fill the remaining
// feature gaps by direct integration. Samples without a usable correction
// are excluded and reported.
func reconcile(par params, st *state.State) *state.State {
	var err error
	if st == nil {
		if st, err = state.Read(stateFilename(par)); err != nil {
			log.Fatalln(pfx.Err(err))
		}
	}
	t := time.Now()
	if par.verbosity == infoVerbose {
		fmt.Fprintf(os.Stderr, "Grouping peaks across samples: ")
	}

	sampleGroups := make(map[string]string)
	for _, info := range st.Samples {
		sampleGroups[info.ID] = info.Group
	}

	first := correspond.Group(allPeaks(st), sampleGroups, groupSizes(st),
		correspond.Options{
			Bandwidth:   *par.bandwidth,
			MinFraction: *par.minFraction,
			MzBinWidth:  *par.mzBinWidth,
		})
	if par.verbosity == infoVerbose {
		fmt.Fprintf(os.Stderr, "%d features (%s)\n", len(first), time.Since(t))
		t = time.Now()
		fmt.Fprintf(os.Stderr, "Fitting retention time corrections: ")
	}

	models, failed := align.Fit(first, st.ActiveSamples(), align.Options{
		MinFraction:   *par.anchorFraction,
		SmoothingSpan: *par.span,
	})
	for id, ferr := range failed {
		st.Exclude(id, ferr.Error())
		if par.verbosity != infoSilent {
			log.Printf("sample %s excluded: %v", id, ferr)
		}
	}
	if len(models) == 0 {
		log.Fatalln(pfx.Err(fmt.Errorf("no sample has enough alignment anchors: %w",
			align.ErrInsufficientAnchors)))
	}
	st.SetAlignment(models)

	if par.verbosity == infoVerbose {
		fmt.Fprintf(os.Stderr, "%d samples aligned (%s)\n", len(models), time.Since(t))
		t = time.Now()
		fmt.Fprintf(os.Stderr, "Regrouping aligned peaks: ")
	}

	st.Features = correspond.Group(alignedPeaks(st, models), sampleGroups, groupSizes(st),
		correspond.Options{
			Bandwidth:   *par.bandwidth2,
			MinFraction: *par.minFraction,
			MzBinWidth:  *par.mzBinWidth,
		})
	if par.verbosity == infoVerbose {
		fmt.Fprintf(os.Stderr, "%d features (%s)\n", len(st.Features), time.Since(t))
		t = time.Now()
		fmt.Fprintf(os.Stderr, "Filling feature gaps: ")
	}

	st.Fills = make(map[int]map[string]gapfill.Entry)
	fillOpt := gapfill.Options{DeltaMz: *par.mzBinWidth}
	var mu sync.Mutex
	err = forEachSample(par, activeInfos(st), func(idx int, info state.SampleInfo, s *msdata.Sample) error {
		aligned := models[info.ID].ApplySample(s)
		res := gapfill.Fill(st.Features, []*msdata.Sample{aligned}, fillOpt)
		mu.Lock()
		for fid, bySample := range res.Fills {
			if st.Fills[fid] == nil {
				st.Fills[fid] = make(map[string]gapfill.Entry)
			}
			for sid, e := range bySample {
				st.Fills[fid][sid] = e
			}
		}
		st.FillDeltaRt = res.DeltaRt
		st.ExceedReal += res.ExceedReal
		mu.Unlock()
		if *par.alignedMzML {
			return writeAlignedMzML(info, models[info.ID])
		}
		return nil
	})
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}
	if par.verbosity == infoVerbose {
		fmt.Fprintf(os.Stderr, "%s\n", time.Since(t))
	}
	if st.ExceedReal > 0 && par.verbosity != infoSilent {
		log.Printf("%d gap-filled values exceed their feature's largest real area", st.ExceedReal)
	}

	if *par.inclusionFilename != "" {
		matchInclusionList(par, st)
	}

	f, err := os.Create(featuresFilename(par))
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}
	if err = st.WriteFeatureTable(f); err == nil {
		err = f.Close()
	}
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}
	if err := state.Write(st, stateFilename(par)); err != nil {
		log.Fatalln(pfx.Err(err))
	}
	return st
}

// allPeaks collects the detected peaks of every non-excluded sample
func allPeaks(st *state.State) []peakdetect.Peak {
	var peaks []peakdetect.Peak
	for _, id := range st.ActiveSamples() {
		peaks = append(peaks, st.Peaks[id]...)
	}
	return peaks
}

// alignedPeaks re-expresses every sample's peaks in aligned retention time
func alignedPeaks(st *state.State, models map[string]*align.Model) []peakdetect.Peak {
	var peaks []peakdetect.Peak
	for _, id := range st.ActiveSamples() {
		m, ok := models[id]
		if !ok {
			continue
		}
		peaks = append(peaks, m.ApplyPeaks(st.Peaks[id])...)
	}
	return peaks
}

// groupSizes counts the non-excluded samples per group
func groupSizes(st *state.State) map[string]int {
	sizes := make(map[string]int)
	for _, info := range st.Samples {
		if !info.Excluded {
			sizes[info.Group]++
		}
	}
	return sizes
}

// writeAlignedMzML writes a copy of the acquisition file with aligned
// retention times
func writeAlignedMzML(info state.SampleInfo, m *align.Model) error {
	f, err := os.Open(info.Path)
	if err != nil {
		return fmt.Errorf("sample %s: %w", info.ID, err)
	}
	mz, err := mzml.Read(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("sample %s: %w", info.ID, err)
	}
	for i := 0; i < mz.NumSpecs(); i++ {
		rt, err := mz.RetentionTime(i)
		if err != nil {
			return fmt.Errorf("sample %s: %w", info.ID, err)
		}
		if err := mz.SetRetentionTime(i, m.Correct(rt)); err != nil {
			return fmt.Errorf("sample %s: %w", info.ID, err)
		}
	}
	mz.AppendSoftwareInfo(progName, progVersion)
	mz.AppendDataProcessing(alignProcessing)

	out, err := os.Create(alignedFilename(info.Path))
	if err != nil {
		return fmt.Errorf("sample %s: %w", info.ID, err)
	}
	if err = mz.Write(out); err == nil {
		err = out.Close()
	} else {
		out.Close()
	}
	if err != nil {
		return fmt.Errorf("sample %s: %w", info.ID, err)
	}
	return nil
}

// matchInclusionList matches the inclusion list compounds against the
// features and reports the misses. An unmatched compound is data, not an
// error; the run continues.
func matchInclusionList(par params, st *state.State) {
	f, err := os.Open(*par.inclusionFilename)
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}
	list, err := msdata.ReadInclusionList(f)
	f.Close()
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}
	st.MatchInclusion(list, *par.mzTol, st.FillDeltaRt)
	if par.verbosity == infoSilent {
		return
	}
	var missed []string
	for _, m := range st.Inclusion {
		if !m.Matched {
			missed = append(missed, fmt.Sprintf("%s (m/z %.4f, rt %.1f)", m.Identity, m.Mz, m.RT))
		}
	}
	if len(missed) > 0 {
		log.Printf("inclusion list: %d of %d compounds unmatched: %s",
			len(missed), len(st.Inclusion), strings.Join(missed, ", "))
	}
}

// sampleLink holds one sample's contribution to the spectral library
type sampleLink struct {
	candidates map[int][]library.Candidate
	scanRt     map[int]float64 // retention time (aligned) per MS2 scan
}

// buildLibrary runs the final stage: resolve precursors against the
// survey scans, link fragmentation spectra to features and write the
// selected representatives to the spectral library.
func buildLibrary(par params, st *state.State) {
	var err error
	if st == nil {
		if st, err = state.Read(stateFilename(par)); err != nil {
			log.Fatalln(pfx.Err(err))
		}
	}
	models, err := st.Models()
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}
	t := time.Now()
	if par.verbosity == infoVerbose {
		fmt.Fprintf(os.Stderr, "Resolving precursors: ")
	}

	resOpt := precursor.Options{
		Tol:                *par.mzTol,
		PPM:                *par.ppm,
		UseIsolationWindow: *par.isolationWindow,
	}
	linkOpt := library.LinkOptions{PPM: *par.ppm, RtPad: st.FillDeltaRt}

	infos := activeInfos(st)
	links := make([]sampleLink, len(infos))
	err = forEachSample(par, infos, func(idx int, info state.SampleInfo, s *msdata.Sample) error {
		aligned := models[info.ID].ApplySample(s)
		ann, err := precursor.Resolve(aligned, resOpt)
		if err != nil {
			return err
		}
		scanRt := make(map[int]float64)
		for _, spec := range aligned.Spectra {
			if spec.MSLevel == 2 {
				scanRt[spec.ScanIndex] = spec.RetentionTime
			}
		}
		links[idx] = sampleLink{
			candidates: library.Link(st.Features, []*msdata.Sample{aligned},
				map[string]map[int]precursor.Annotation{info.ID: ann}, linkOpt),
			scanRt: scanRt,
		}
		return nil
	})
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}

	// Merge in manifest order so candidate order stays deterministic
	linked := make(map[int][]library.Candidate)
	scanRt := make(map[string]map[int]float64, len(infos))
	for i, l := range links {
		for fid, cands := range l.candidates {
			linked[fid] = append(linked[fid], cands...)
		}
		scanRt[infos[i].ID] = l.scanRt
	}
	if par.verbosity == infoVerbose {
		fmt.Fprintf(os.Stderr, "%s\n", time.Since(t))
		t = time.Now()
		fmt.Fprintf(os.Stderr, "Writing spectral library: ")
	}

	reps := library.SelectAll(linked)

	w, err := library.NewWriter(libraryFilename(par))
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}
	for _, f := range st.Features {
		numFilled := 0
		for _, e := range st.Fills[f.ID] {
			if e.Status == gapfill.StatusFilled {
				numFilled++
			}
		}
		name := state.FeatureName(f.MzMed, f.RtMed)
		if err := w.WriteFeature(f, name, numFilled); err != nil {
			log.Fatalln(pfx.Err(err))
		}
	}
	for _, rep := range reps {
		if err := w.WriteRepresentative(rep, scanRt[rep.SampleID][rep.ScanIndex]); err != nil {
			log.Fatalln(pfx.Err(err))
		}
	}
	if err := w.Finalize(progName + " " + progVersion); err != nil {
		log.Fatalln(pfx.Err(err))
	}
	if par.verbosity == infoVerbose {
		fmt.Fprintf(os.Stderr, "%d spectra for %d features (%s)\n",
			len(reps), len(st.Features), time.Since(t))
	}
}
