// SPDX-License-Identifier: MIT

package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
)

// Program name and version, appended to software list in mzML output
const progName = "mzFeature"

var progVersion = `Unknown`

const (
	infoDefault = iota
	infoSilent
	infoVerbose
)

var ErrRangeSpec = errors.New("invalid range specified")

// Command line parameters
type params struct {
	stage             *int     // detect (1), reconcile (2), library (3) or all (0)
	dataDir           *string  // directory with manifest.csv and mzML files
	outPrefix         *string  // prefix for output files
	inclusionFilename *string  // optional inclusion list CSV
	alignedMzML       *bool    // also write mzML files with aligned retention times
	peakWidth         *string  // peak width range (seconds)
	peakWidthMin      float64  // lower peak width boundary
	peakWidthMax      float64  // upper peak width boundary
	snrMin            *float64 // signal to noise floor for peak detection
	integMode         *int     // peak integration mode (1 or 2)
	refineRt          *float64 // peak merge expansion, retention time (seconds)
	refineMz          *float64 // peak merge expansion, m/z
	mzBinWidth        *float64 // maximum m/z gap within a correspondence neighborhood
	bandwidth         *float64 // KDE bandwidth for the first grouping pass (seconds)
	bandwidth2        *float64 // KDE bandwidth after alignment; 0 means half of -bw
	minFraction       *float64 // group fraction a cluster needs to become a feature
	anchorFraction    *float64 // sample fraction an alignment anchor must span
	span              *float64 // LOESS smoothing span
	mzTol             *float64 // absolute m/z tolerance for precursor resolution
	ppm               *float64 // relative m/z tolerance (precursor and fragment link)
	isolationWindow   *bool    // use the reported isolation window for purity
	chunk             *int     // samples loaded per chunk, 0 means all at once
	workers           *int     // concurrent per-sample workers, 0 means NumCPU
	verbosity         int      // verbosity of progress messages (infoDefault...)
	args              []string // additional values passed on the command line
}

// sanatizeParams does some checks on parameters, and fills missing
// filenames if possible
func sanatizeParams(par *params) {
	exeName := filepath.Base(os.Args[0])

	if len(par.args) != 1 {
		fmt.Fprintf(os.Stderr, `Last argument must be a directory with manifest.csv and mzML files.
Type %s --help for usage
`, exeName)
		os.Exit(2)
	}
	dataDir := filepath.Clean(par.args[0])
	par.dataDir = &dataDir

	if *par.outPrefix == "" {
		*par.outPrefix = filepath.Join(dataDir, filepath.Base(dataDir))
	}

	var err error
	par.peakWidthMin, par.peakWidthMax, err = parseFloat64Range(*par.peakWidth,
		0.0, 1e6)
	if err != nil || par.peakWidthMin <= 0 {
		fmt.Fprintf(os.Stderr, `Invalid peak width range.
Type %s --help for usage
`, exeName)
		os.Exit(2)
	}
	if *par.stage < 0 || *par.stage > 3 {
		fmt.Fprintf(os.Stderr, `Invalid value for parameter 'stage'.
Type %s --help for usage
`, exeName)
		os.Exit(2)
	}
	if *par.bandwidth2 == 0 {
		*par.bandwidth2 = *par.bandwidth / 2
	}
	if err := validateParams(par); err != nil {
		fmt.Fprintf(os.Stderr, `%v.
Type %s --help for usage
`, err, exeName)
		os.Exit(2)
	}
	if *par.workers <= 0 {
		*par.workers = runtime.NumCPU()
	}
}

// validateParams rejects tuning values the algorithms cannot work with.
// Zero bandwidths in particular would degenerate the density grid of the
// grouping step.
func validateParams(par *params) error {
	if *par.bandwidth <= 0 {
		return fmt.Errorf("bandwidth (-bw) must be positive")
	}
	if *par.bandwidth2 <= 0 {
		return fmt.Errorf("regrouping bandwidth (-bw2) must be positive")
	}
	if *par.mzBinWidth <= 0 {
		return fmt.Errorf("m/z bin width (-mzbin) must be positive")
	}
	return nil
}

func parseFloat64Range(r string, min float64, max float64) (
	float64, float64, error) {
	re := regexp.MustCompile(`\s*([-+]?[0-9]*\.?[0-9]*([eE][-+]?[0-9]+)?):([-+]?[0-9]*\.?[0-9]*([eE][-+]?[0-9]+)?)`)
	m := re.FindStringSubmatch(r)
	minOut := min
	maxOut := max
	if len(m) >= 2 && m[1] != "" {
		minOut, _ = strconv.ParseFloat(m[1], 64)
		if minOut < min {
			minOut = min
		}
	}
	if len(m) >= 4 && m[3] != "" {
		maxOut, _ = strconv.ParseFloat(m[3], 64)
		if maxOut > max {
			maxOut = max
		}
	}
	var err error
	if minOut > maxOut {
		err = ErrRangeSpec
		minOut = maxOut
	}
	return minOut, maxOut, err
}

func usage() {
	exeName := filepath.Base(os.Args[0])
	fmt.Fprintf(os.Stderr,
		`USAGE:
  %s [options] <datadir>

  This program turns a batch of LC-MS/MS acquisitions (mzML files listed in
  <datadir>/manifest.csv) into a cross-sample feature table and a spectral
  library. Per sample it extracts a chromatographic intensity trace per
  observed mass, detects peaks with a wavelet matched filter and merges
  split detections. Across
  samples it groups corresponding peaks into features, aligns retention
  times on shared features, regroups, fills remaining gaps by direct
  integration and picks a representative fragmentation spectrum per feature.

OPTIONS:
`, exeName)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr,
		`
MANIFEST FORMAT:
  manifest.csv is a comma separated file with header
      sample_id,sample_name,group,file
  sample_id must be unique. sample_name defaults to sample_id, group
  defaults to "default". file is the mzML filename, relative names are
  resolved against <datadir>.

OUTPUT FILES:
  <out>-state.json     full pipeline state, input for later stages
  <out>-features.csv   feature table, one intensity column per sample
  <out>-library.db     spectral library (SQLite)

USAGE EXAMPLES:
  %s ./batch1
    Run the complete pipeline on ./batch1, writing batch1-state.json,
    batch1-features.csv and batch1-library.db into that directory.

  %s -stage 1 -peakwidth 3:30 -snr 5 ./batch1
    Only detect peaks, with narrow peaks and a strict noise floor, and stop
    after writing the state file.

  %s -stage 2 ./batch1 && %s -stage 3 ./batch1
    Resume a detected batch: group/align/gap-fill, then build the library.

NOTES:
    Samples for which no retention time correction can be fitted (fewer than
    two alignment anchors) are excluded from all cross-sample results and
    reported on stderr; the run continues with the remaining samples.
`, exeName, exeName, exeName, exeName)
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	var par params

	par.stage = flag.Int("stage", 0,
		`0 (default): run all stages
1: detect peaks per sample, write state
2: group, align and gap-fill from a stage 1 state
3: build the spectral library from a stage 2 state`)
	par.outPrefix = flag.String("o",
		"",
		"`prefix` for output files (default <datadir>/<datadir name>)")
	par.inclusionFilename = flag.String("inclusion",
		"",
		"`filename` of an inclusion list (CSV: mz,rt,identity) to match against the features")
	par.alignedMzML = flag.Bool("alignedmzml", false,
		`also write each sample's mzML with aligned retention times`)
	par.peakWidth = flag.String("peakwidth",
		"5:60",
		"acceptable peak width `range` in seconds")
	par.snrMin = flag.Float64("snr",
		3.0,
		`minimum signal to noise ratio for peak detection`)
	par.integMode = flag.Int("integ", 2,
		`peak boundary mode:
1: boundaries from the matched filter support
2: descent from the apex to the local baseline`)
	par.refineRt = flag.Float64("refinert",
		2.0,
		`peak merge boundary expansion in seconds`)
	par.refineMz = flag.Float64("refinemz",
		0.005,
		`peak merge boundary expansion in m/z`)
	par.mzBinWidth = flag.Float64("mzbin",
		0.01,
		`maximum m/z gap between peaks of one correspondence neighborhood`)
	par.bandwidth = flag.Float64("bw",
		10.0,
		`retention time density bandwidth (seconds) for grouping before alignment`)
	par.bandwidth2 = flag.Float64("bw2",
		0.0,
		`bandwidth for regrouping after alignment. 0 (default): half of -bw`)
	par.minFraction = flag.Float64("minfrac",
		0.5,
		`fraction of the samples of some group that must contribute a peak
before a cluster is kept as a feature`)
	par.anchorFraction = flag.Float64("anchorfrac",
		0.8,
		`fraction of all samples a feature must span to serve as alignment anchor`)
	par.span = flag.Float64("span",
		0.5,
		`smoothing span of the retention time correction fit, in (0:1]`)
	par.mzTol = flag.Float64("mztol",
		0.01,
		`absolute m/z tolerance for locating the precursor in the survey scan`)
	par.ppm = flag.Float64("ppm",
		10.0,
		`relative m/z tolerance (parts per million) for precursor location
and for linking fragmentation spectra to features`)
	par.isolationWindow = flag.Bool("isolation", true,
		`compute precursor purity over the reported isolation window when present`)
	par.chunk = flag.Int("chunk",
		0,
		`number of samples held in memory at a time. 0 (default): all`)
	par.workers = flag.Int("workers",
		0,
		`number of samples processed concurrently. 0 (default): number of CPUs`)
	version := flag.Bool("version", false,
		`Show software version`)
	verbose := flag.Bool("verbose", false,
		`Print more verbose progress information`)
	quiet := flag.Bool("quiet", false,
		`Don't print any output except for errors`)
	flag.Usage = usage
	flag.Parse()
	if *version {
		fmt.Fprintf(os.Stderr, "%s version %s\n", progName, progVersion)
		return
	}
	if *verbose {
		par.verbosity = infoVerbose
	}
	if *quiet {
		par.verbosity = infoSilent
	}
	par.args = flag.Args()

	sanatizeParams(&par)
	switch *par.stage {
	case 1:
		detectPeaks(par)
	case 2:
		reconcile(par, nil)
	case 3:
		buildLibrary(par, nil)
	default:
		st := detectPeaks(par)
		st = reconcile(par, st)
		buildLibrary(par, st)
	}
}
