// Package pec implements periodic-error correction: per-worm-bin rate
// multipliers applied to the sidereal tracking rate (§4.6), the plain-text
// PEC file format, and hot-reload of that file via fsnotify.
package pec

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/darkdragonsastro/mountcore/internal/config"
)

// pecFactorGauge reports the most recently computed correction factor,
// per SPEC_FULL.md's diagnostics domain stack.
var pecFactorGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "mountcore_pec_factor",
	Help: "Most recently computed PEC correction factor applied to the RA tracking rate.",
})

// FileType distinguishes the two recognised PEC file shapes.
type FileType int

const (
	GsPecWorm FileType = iota
	GsPec360
)

func (f FileType) String() string {
	if f == GsPec360 {
		return "GsPec360"
	}
	return "GsPecWorm"
}

func parseFileType(s string) (FileType, error) {
	switch s {
	case "GsPecWorm":
		return GsPecWorm, nil
	case "GsPec360":
		return GsPec360, nil
	default:
		return 0, fmt.Errorf("pec: unrecognised FileType %q", s)
	}
}

// Bin holds one worm (or 360°) bin's correction factor and how many
// training updates contributed to it.
type Bin struct {
	Factor      float64
	UpdateCount int
}

// Header carries the declared parameters from a PEC file's `#key = value`
// lines, checked against the live configuration on load.
type Header struct {
	FileType      FileType
	BinCount      int
	BinSteps      int
	StepsPerRev   float64
	WormTeeth     int
	StartTime     string
	EndTime       string
	StartPosition float64
	EndPosition   float64
	WormPeriod    float64
	RA            float64
	Dec           float64
	TrackingRate  string
	FileName      string
	InvertCapture bool
}

// Table is an ordered worm-bin (or 360°) correction table.
type Table struct {
	Header Header
	Bins   map[int]Bin
}

// Engine holds the live PEC tables and answers the per-tick factor
// lookup C6 multiplies into the base sidereal rate.
type Engine struct {
	mu         sync.RWMutex
	wormMaster *Table
	fullMaster *Table
}

// NewEngine returns an Engine with no tables loaded; FactorForStep
// returns 1.0 until LoadWorm/LoadFull populate it.
func NewEngine() *Engine {
	return &Engine{}
}

// LoadWorm parses and installs the worm-bin master table from path.
func (e *Engine) LoadWorm(path string, snap *config.Snapshot) error {
	table, err := loadFile(path, snap)
	if err != nil {
		return err
	}
	if table.Header.FileType != GsPecWorm {
		return fmt.Errorf("pec: %s declares FileType=%s, expected GsPecWorm", path, table.Header.FileType)
	}
	e.mu.Lock()
	e.wormMaster = table
	e.mu.Unlock()
	return nil
}

// LoadFull parses and installs the 360°-equivalent master table from path.
func (e *Engine) LoadFull(path string, snap *config.Snapshot) error {
	table, err := loadFile(path, snap)
	if err != nil {
		return err
	}
	if table.Header.FileType != GsPec360 {
		return fmt.Errorf("pec: %s declares FileType=%s, expected GsPec360", path, table.Header.FileType)
	}
	e.mu.Lock()
	e.fullMaster = table
	e.mu.Unlock()
	return nil
}

// FactorForStep computes the worm-bin index from the raw RA-axis step
// count (modulo bin_steps*bin_count, offset by pec_offset), looks up the
// correction factor, and optionally combines it with the 360° table.
func (e *Engine) FactorForStep(raStepCount int64, snap *config.Snapshot) float64 {
	if !snap.PECOn {
		pecFactorGauge.Set(1.0)
		return 1.0
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	factor := 1.0
	if e.wormMaster != nil && snap.PECBinSteps > 0 && snap.PECBinCount > 0 {
		period := int64(snap.PECBinSteps) * int64(snap.PECBinCount)
		offset := (raStepCount + int64(snap.PECOffset)) % period
		if offset < 0 {
			offset += period
		}
		binIndex := int(offset / int64(snap.PECBinSteps))
		if bin, ok := e.wormMaster.Bins[binIndex]; ok {
			factor = bin.Factor
		}
	}

	if snap.PPECOn && e.fullMaster != nil && snap.PECBinSteps > 0 {
		binIndex := int((raStepCount % int64(len(e.fullMaster.Bins)*snap.PECBinSteps)) / int64(snap.PECBinSteps))
		if bin, ok := e.fullMaster.Bins[binIndex]; ok {
			factor *= bin.Factor
		}
	}

	pecFactorGauge.Set(factor)
	return factor
}

// loadFile parses the plain-text PEC format (§4.6) and validates the
// declared header against the live configuration.
func loadFile(path string, snap *config.Snapshot) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pec: open %s: %w", path, err)
	}
	defer f.Close()

	header := Header{}
	bins := make(map[int]Bin)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if err := parseHeaderLine(line, &header); err != nil {
				return nil, fmt.Errorf("pec: %s: %w", path, err)
			}
			continue
		}
		if err := parseDataLine(line, bins); err != nil {
			return nil, fmt.Errorf("pec: %s: %w", path, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pec: reading %s: %w", path, err)
	}

	if err := validateHeader(header, snap); err != nil {
		return nil, err
	}

	expectedRows := header.BinCount
	if header.FileType == GsPec360 && header.BinSteps > 0 {
		expectedRows = int(header.StepsPerRev) / header.BinSteps
	}
	fillMissingBins(bins, expectedRows)

	return &Table{Header: header, Bins: bins}, nil
}

func parseHeaderLine(line string, h *Header) error {
	body := strings.TrimPrefix(line, "#")
	parts := strings.SplitN(body, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("malformed header line %q", line)
	}
	key := strings.TrimSpace(parts[0])
	value := strings.TrimSpace(parts[1])

	var err error
	switch key {
	case "FileType":
		h.FileType, err = parseFileType(value)
	case "BinCount":
		h.BinCount, err = strconv.Atoi(value)
	case "BinSteps":
		h.BinSteps, err = strconv.Atoi(value)
	case "StepsPerRev":
		h.StepsPerRev, err = strconv.ParseFloat(value, 64)
	case "WormTeeth":
		h.WormTeeth, err = strconv.Atoi(value)
	case "StartTime":
		h.StartTime = value
	case "EndTime":
		h.EndTime = value
	case "StartPosition":
		h.StartPosition, err = strconv.ParseFloat(value, 64)
	case "EndPosition":
		h.EndPosition, err = strconv.ParseFloat(value, 64)
	case "WormPeriod":
		h.WormPeriod, err = strconv.ParseFloat(value, 64)
	case "Ra":
		h.RA, err = strconv.ParseFloat(value, 64)
	case "Dec":
		h.Dec, err = strconv.ParseFloat(value, 64)
	case "TrackingRate":
		h.TrackingRate = value
	case "FileName":
		h.FileName = value
	case "InvertCapture":
		h.InvertCapture = value == "1" || strings.EqualFold(value, "true")
	default:
		// Unknown header keys are ignored; the format is extensible.
	}
	if err != nil {
		return fmt.Errorf("header key %s: %w", key, err)
	}
	return nil
}

func parseDataLine(line string, bins map[int]Bin) error {
	fields := strings.Split(line, "|")
	if len(fields) != 3 {
		return fmt.Errorf("malformed data line %q", line)
	}
	binNumber, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return fmt.Errorf("bin_number: %w", err)
	}
	factor, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return fmt.Errorf("factor: %w", err)
	}
	updateCount, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil {
		return fmt.Errorf("update_count: %w", err)
	}

	// Factor must lie in (0, 2); rows outside this bound are discarded.
	if factor <= 0 || factor >= 2 {
		return nil
	}

	bins[binNumber] = Bin{Factor: factor, UpdateCount: updateCount}
	return nil
}

// fillMissingBins fills any bin in [0, expectedRows) absent from the
// parsed data with the neutral (1.0, 1) entry, logging each one filled.
func fillMissingBins(bins map[int]Bin, expectedRows int) {
	for i := 0; i < expectedRows; i++ {
		if _, ok := bins[i]; !ok {
			bins[i] = Bin{Factor: 1.0, UpdateCount: 1}
			log.Printf("pec: bin %d missing from PEC table, filled with (1.0, 1)", i)
		}
	}
}

// validateHeader aborts the load with a descriptive error if any declared
// header parameter disagrees with the current configuration.
func validateHeader(h Header, snap *config.Snapshot) error {
	if h.BinCount != 0 && h.FileType == GsPecWorm && h.BinCount != snap.PECBinCount {
		return fmt.Errorf("pec: header BinCount=%d disagrees with configured pec_bin_count=%d", h.BinCount, snap.PECBinCount)
	}
	if h.BinSteps != 0 && h.BinSteps != snap.PECBinSteps {
		return fmt.Errorf("pec: header BinSteps=%d disagrees with configured pec_bin_steps=%d", h.BinSteps, snap.PECBinSteps)
	}
	if h.StepsPerRev != 0 && snap.StepsPerRev[0] != 0 && h.StepsPerRev != snap.StepsPerRev[0] {
		return fmt.Errorf("pec: header StepsPerRev=%g disagrees with configured steps_per_rev[0]=%g", h.StepsPerRev, snap.StepsPerRev[0])
	}
	return nil
}
