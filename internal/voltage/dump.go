package voltage

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/dumpring/internal/arrayfile"
	"github.com/banshee-data/dumpring/internal/arrayfile/zarr"
	"github.com/banshee-data/dumpring/internal/monitoring"
	"github.com/banshee-data/dumpring/internal/version"
)

// Dump stages, reported in DumpError.Op.
const (
	OpCreate    = "create"
	OpDimension = "dimension"
	OpVariable  = "variable"
	OpAttribute = "attribute"
	OpChunking  = "chunking"
	OpWrite     = "write"
	OpClose     = "close"
)

// ErrChunkSize is returned for a chunk size below one slot.
var ErrChunkSize = errors.New("voltage: chunk size must be at least 1")

// DumpError reports the stage at which a dump failed. Err is the array
// file's own error.
type DumpError struct {
	Op     string
	Target string
	Err    error
}

func (e *DumpError) Error() string {
	return fmt.Sprintf("voltage: dump %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *DumpError) Unwrap() error { return e.Err }

// Band describes the channelized frequency band. Channel 0 is the top of the
// band.
type Band struct {
	TopMHz   float64
	WidthMHz float64
}

// DefaultBand is the 1280-1530 MHz band.
var DefaultBand = Band{TopMHz: 1530, WidthMHz: 250}

// Frequencies returns the centre frequency of each channel in MHz.
func (b Band) Frequencies() []float64 {
	half := b.WidthMHz / (2 * Channels)
	freqs := make([]float64, Channels)
	floats.Span(freqs, b.TopMHz-half, b.TopMHz-b.WidthMHz+half)
	return freqs
}

// DumpOptions configures a dump.
type DumpOptions struct {
	// ChunkSize is the number of time slots per storage chunk.
	ChunkSize int
	// Band labels the freq axis. The zero value means DefaultBand.
	Band Band
	// Store configures the zarr store created by DumpToPath.
	Store zarr.Options
}

// DumpResult describes a completed dump.
type DumpResult struct {
	Path  string
	Slots int
	// Oldest and Newest are only meaningful when Slots > 0.
	Oldest    uint64
	Newest    uint64
	ChunkSize int
	Gaps      uint64
	Elapsed   time.Duration
}

const (
	mjdUnixEpoch = 40587.0 // MJD of 1970-01-01T00:00:00 UTC
	taiMinusUTC  = 37      // leap seconds since 2017-01-01
	nsPerDay     = 86400e9
)

// taiMJD converts a unix timestamp to TAI days since the MJD epoch.
func taiMJD(unixNano int64) float64 {
	return mjdUnixEpoch + (float64(unixNano)+taiMinusUTC*1e9)/nsPerDay
}

type dumpVariable struct {
	name  string
	dtype arrayfile.DType
	dims  []string
	attrs [][2]string
}

var dumpVariables = []dumpVariable{
	{"time", arrayfile.Float64, []string{"time"}, [][2]string{{"units", "Days"}, {"long_name", "TAI days since the MJD Epoch"}}},
	{"count", arrayfile.Uint64, []string{"time"}, [][2]string{{"long_name", "Payload count"}}},
	{"pol", arrayfile.String, []string{"pol"}, [][2]string{{"long_name", "Polarization"}}},
	{"freq", arrayfile.Float64, []string{"freq"}, [][2]string{{"units", "Megahertz"}, {"long_name", "Frequency"}}},
	{"reim", arrayfile.String, []string{"reim"}, [][2]string{{"long_name", "Complex"}}},
	{"voltages", arrayfile.Int8, []string{"time", "pol", "freq", "reim"}, [][2]string{{"long_name", "Channelized Voltages"}, {"units", "Volts"}}},
}

// Dump writes the retained window to ds, oldest payload at time index 0.
// The time axis always spans the full capacity; slots not yet written read
// back as fill values. Dump does not close ds.
func (r *DumpRing) Dump(ds arrayfile.Dataset, opts DumpOptions) (DumpResult, error) {
	if opts.ChunkSize < 1 {
		return DumpResult{}, fmt.Errorf("%w: got %d", ErrChunkSize, opts.ChunkSize)
	}
	band := opts.Band
	if band == (Band{}) {
		band = DefaultBand
	}
	start := r.clock.Now()

	// Add the file dimensions
	dims := []struct {
		name string
		n    int
	}{{"time", r.capacity}, {"pol", Pols}, {"freq", Channels}, {"reim", Reim}}
	for _, d := range dims {
		if err := ds.AddDimension(d.name, d.n); err != nil {
			return DumpResult{}, &DumpError{Op: OpDimension, Target: d.name, Err: err}
		}
	}

	// Describe the variables
	vars := make(map[string]arrayfile.Variable, len(dumpVariables))
	for _, dv := range dumpVariables {
		v, err := ds.AddVariable(dv.name, dv.dtype, dv.dims...)
		if err != nil {
			return DumpResult{}, &DumpError{Op: OpVariable, Target: dv.name, Err: err}
		}
		for _, kv := range dv.attrs {
			if err := v.PutAttribute(kv[0], kv[1]); err != nil {
				return DumpResult{}, &DumpError{Op: OpAttribute, Target: dv.name + "." + kv[0], Err: err}
			}
		}
		vars[dv.name] = v
	}

	a, b := r.ConsecutiveViews()
	oldest, ok := r.Oldest()
	newest, _ := r.Newest()
	res := DumpResult{
		Slots:     a.Len() + b.Len(),
		Oldest:    oldest,
		Newest:    newest,
		ChunkSize: opts.ChunkSize,
		Gaps:      r.stats.Gaps,
	}

	global := [][2]string{
		{"title", "Voltage dump"},
		{"software", version.String()},
		{"slots", strconv.Itoa(res.Slots)},
	}
	// An empty ring has no counts; slots=0 is the only marker
	if ok {
		global = append(global,
			[2]string{"oldest_count", strconv.FormatUint(oldest, 10)},
			[2]string{"newest_count", strconv.FormatUint(newest, 10)})
	}
	for _, kv := range global {
		if err := ds.PutAttribute(kv[0], kv[1]); err != nil {
			return DumpResult{}, &DumpError{Op: OpAttribute, Target: kv[0], Err: err}
		}
	}

	// Chunk in time only; one chunk spans every pol, channel and component
	voltages := vars["voltages"]
	if err := voltages.SetChunking([]int{opts.ChunkSize, Pols, Channels, Reim}); err != nil {
		return DumpResult{}, &DumpError{Op: OpChunking, Target: "voltages", Err: err}
	}

	if err := vars["pol"].WriteStrings(0, []string{"a", "b"}); err != nil {
		return DumpResult{}, &DumpError{Op: OpWrite, Target: "pol", Err: err}
	}
	if err := vars["reim"].WriteStrings(0, []string{"real", "imaginary"}); err != nil {
		return DumpResult{}, &DumpError{Op: OpWrite, Target: "reim", Err: err}
	}
	if err := vars["freq"].WriteFloat64(0, band.Frequencies()); err != nil {
		return DumpResult{}, &DumpError{Op: OpWrite, Target: "freq", Err: err}
	}

	// The second region starts right where the first one ends
	for _, g := range []struct {
		region Region
		offset int
	}{{a, 0}, {b, a.Len()}} {
		mjd := make([]float64, g.region.Len())
		for i, ns := range g.region.Times() {
			mjd[i] = taiMJD(ns)
		}
		if err := vars["time"].WriteFloat64(g.offset, mjd); err != nil {
			return DumpResult{}, &DumpError{Op: OpWrite, Target: "time", Err: err}
		}
		if err := vars["count"].WriteUint64(g.offset, g.region.Counts()); err != nil {
			return DumpResult{}, &DumpError{Op: OpWrite, Target: "count", Err: err}
		}
		if err := voltages.WriteInt8(g.offset, g.region.Samples()); err != nil {
			return DumpResult{}, &DumpError{Op: OpWrite, Target: "voltages", Err: err}
		}
	}

	res.Elapsed = r.clock.Since(start)
	return res, nil
}

// DumpToPath dumps the ring to a new zarr store at path.
func (r *DumpRing) DumpToPath(path string, opts DumpOptions) (DumpResult, error) {
	if opts.ChunkSize < 1 {
		return DumpResult{}, fmt.Errorf("%w: got %d", ErrChunkSize, opts.ChunkSize)
	}
	start := r.clock.Now()
	st, err := zarr.Create(path, opts.Store)
	if err != nil {
		return DumpResult{}, &DumpError{Op: OpCreate, Target: path, Err: err}
	}
	res, err := r.Dump(st, opts)
	if err != nil {
		st.Abort()
		return DumpResult{}, err
	}
	if err := st.Close(); err != nil {
		return DumpResult{}, &DumpError{Op: OpClose, Target: path, Err: err}
	}
	res.Path = path
	res.Elapsed = r.clock.Since(start)
	monitoring.Logf("dump: wrote %d/%d slots (counts %d..%d, chunk %d) to %s in %v",
		res.Slots, r.capacity, res.Oldest, res.Newest, res.ChunkSize, path, res.Elapsed)
	return res, nil
}
