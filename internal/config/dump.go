package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/banshee-data/dumpring/internal/arrayfile/zarr"
	"github.com/banshee-data/dumpring/internal/capture"
	"github.com/banshee-data/dumpring/internal/voltage"
)

// DefaultConfigPath is the path to the canonical dump defaults file.
const DefaultConfigPath = "config/dumpring.defaults.json"

// DumpConfig is the dumpring configuration file. Every field is optional;
// the Get* methods supply defaults for fields left out of the JSON.
type DumpConfig struct {
	// Ring
	Capacity *int `json:"capacity,omitempty"`

	// Capture replay
	UDPPort       *int `json:"udp_port,omitempty"`
	ProgressEvery *int `json:"progress_every,omitempty"`

	// Export
	OutputDir        *string  `json:"output_dir,omitempty"`
	ChunkSize        *int     `json:"chunk_size,omitempty"`
	CompressionLevel *int     `json:"compression_level,omitempty"`
	Overwrite        *bool    `json:"overwrite,omitempty"`
	BandTopMHz       *float64 `json:"band_top_mhz,omitempty"`
	BandwidthMHz     *float64 `json:"bandwidth_mhz,omitempty"`

	// Catalog of completed dumps; empty disables it
	CatalogPath *string `json:"catalog_path,omitempty"`
}

func ptrInt(v int) *int             { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrFloat64(v float64) *float64 { return &v }

// EmptyDumpConfig returns a DumpConfig with all fields set to nil.
func EmptyDumpConfig() *DumpConfig {
	return &DumpConfig{}
}

// DefaultDumpConfig returns a DumpConfig with every field set to its default.
func DefaultDumpConfig() *DumpConfig {
	c := EmptyDumpConfig()
	return &DumpConfig{
		Capacity:         ptrInt(c.GetCapacity()),
		UDPPort:          ptrInt(c.GetUDPPort()),
		ProgressEvery:    ptrInt(c.GetProgressEvery()),
		OutputDir:        ptrString(c.GetOutputDir()),
		ChunkSize:        ptrInt(c.GetChunkSize()),
		CompressionLevel: ptrInt(c.GetCompressionLevel()),
		Overwrite:        ptrBool(c.GetOverwrite()),
		BandTopMHz:       ptrFloat64(c.GetBandTopMHz()),
		BandwidthMHz:     ptrFloat64(c.GetBandwidthMHz()),
		CatalogPath:      ptrString(c.GetCatalogPath()),
	}
}

// LoadDumpConfig loads a DumpConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadDumpConfig(path string) (*DumpConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyDumpConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or one of its parents. Panics if the file cannot be loaded; intended for
// test setup.
func MustLoadDefaultConfig() *DumpConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadDumpConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *DumpConfig) Validate() error {
	if c.Capacity != nil && *c.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1, got %d", *c.Capacity)
	}
	if c.ChunkSize != nil && *c.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be at least 1, got %d", *c.ChunkSize)
	}
	if c.UDPPort != nil && (*c.UDPPort < 0 || *c.UDPPort > 65535) {
		return fmt.Errorf("udp_port must be between 0 and 65535, got %d", *c.UDPPort)
	}
	if c.ProgressEvery != nil && *c.ProgressEvery < 0 {
		return fmt.Errorf("progress_every must be non-negative, got %d", *c.ProgressEvery)
	}
	if c.CompressionLevel != nil && (*c.CompressionLevel < 0 || *c.CompressionLevel > zarr.MaxCompressionLevel) {
		return fmt.Errorf("compression_level must be between 0 and %d, got %d", zarr.MaxCompressionLevel, *c.CompressionLevel)
	}
	if c.BandwidthMHz != nil && *c.BandwidthMHz <= 0 {
		return fmt.Errorf("bandwidth_mhz must be positive, got %f", *c.BandwidthMHz)
	}
	if c.BandTopMHz != nil && c.BandwidthMHz != nil && *c.BandTopMHz < *c.BandwidthMHz {
		return fmt.Errorf("band_top_mhz %f is below the %f MHz bandwidth", *c.BandTopMHz, *c.BandwidthMHz)
	}
	return nil
}

// GetCapacity returns the ring capacity in payloads.
func (c *DumpConfig) GetCapacity() int {
	if c.Capacity == nil {
		return 16384 // default
	}
	return *c.Capacity
}

// GetUDPPort returns the capture destination port; 0 accepts any port.
func (c *DumpConfig) GetUDPPort() int {
	if c.UDPPort == nil {
		return capture.DefaultUDPPort
	}
	return *c.UDPPort
}

// GetProgressEvery returns the replay progress log interval in payloads.
func (c *DumpConfig) GetProgressEvery() int {
	if c.ProgressEvery == nil {
		return 10000
	}
	return *c.ProgressEvery
}

// GetOutputDir returns the directory dumps are written to.
func (c *DumpConfig) GetOutputDir() string {
	if c.OutputDir == nil || *c.OutputDir == "" {
		return os.TempDir()
	}
	return *c.OutputDir
}

// GetChunkSize returns the number of time slots per chunk.
func (c *DumpConfig) GetChunkSize() int {
	if c.ChunkSize == nil {
		return 1024 // 8 MiB of voltages
	}
	return *c.ChunkSize
}

// GetCompressionLevel returns the zstd level; 0 stores raw chunks.
func (c *DumpConfig) GetCompressionLevel() int {
	if c.CompressionLevel == nil {
		return 0
	}
	return *c.CompressionLevel
}

// GetOverwrite reports whether an existing destination is replaced.
func (c *DumpConfig) GetOverwrite() bool {
	if c.Overwrite == nil {
		return false
	}
	return *c.Overwrite
}

// GetBandTopMHz returns the frequency of the top of the band.
func (c *DumpConfig) GetBandTopMHz() float64 {
	if c.BandTopMHz == nil {
		return voltage.DefaultBand.TopMHz
	}
	return *c.BandTopMHz
}

// GetBandwidthMHz returns the width of the band.
func (c *DumpConfig) GetBandwidthMHz() float64 {
	if c.BandwidthMHz == nil {
		return voltage.DefaultBand.WidthMHz
	}
	return *c.BandwidthMHz
}

// GetCatalogPath returns the sqlite catalog path, or "" when disabled.
func (c *DumpConfig) GetCatalogPath() string {
	if c.CatalogPath == nil {
		return ""
	}
	return *c.CatalogPath
}

// DumpOptions builds the export options for this configuration.
func (c *DumpConfig) DumpOptions() voltage.DumpOptions {
	return voltage.DumpOptions{
		ChunkSize: c.GetChunkSize(),
		Band:      voltage.Band{TopMHz: c.GetBandTopMHz(), WidthMHz: c.GetBandwidthMHz()},
		Store: zarr.Options{
			CompressionLevel: c.GetCompressionLevel(),
			Overwrite:        c.GetOverwrite(),
		},
	}
}

// ReplayConfig builds the capture replay settings for this configuration.
func (c *DumpConfig) ReplayConfig() capture.ReplayConfig {
	return capture.ReplayConfig{
		UDPPort:       uint16(c.GetUDPPort()),
		ProgressEvery: c.GetProgressEvery(),
	}
}
