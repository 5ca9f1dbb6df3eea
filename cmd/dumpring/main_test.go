package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dumpring/internal/arrayfile/zarr"
	"github.com/banshee-data/dumpring/internal/config"
	"github.com/banshee-data/dumpring/internal/fsutil"
	"github.com/banshee-data/dumpring/internal/monitoring"
)

func testConfig(t *testing.T, capacity, chunk int) *config.DumpConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := config.EmptyDumpConfig()
	cfg.Capacity = &capacity
	cfg.ChunkSize = &chunk
	cfg.OutputDir = &dir
	return cfg
}

func TestRun_Synth(t *testing.T) {
	monitoring.SetLogger(nil)
	cfg := testConfig(t, 8, 3)
	catalogPath := filepath.Join(t.TempDir(), "catalog.db")

	res, err := run(context.Background(), options{cfg: cfg, synth: 20, seed: 7, catalog: catalogPath})
	require.NoError(t, err)
	assert.Equal(t, 8, res.Slots)
	assert.Equal(t, uint64(12), res.Oldest)
	assert.Equal(t, uint64(19), res.Newest)
	assert.Equal(t, cfg.GetOutputDir(), filepath.Dir(res.Path))
	assert.True(t, strings.HasPrefix(filepath.Base(res.Path), "synth_"))

	meta, err := zarr.ReadMeta(fsutil.OSFileSystem{}, res.Path, "voltages")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 2048, 2}, meta.Chunks)

	var out bytes.Buffer
	require.NoError(t, list(&out, catalogPath, 0))
	assert.Contains(t, out.String(), "slots=8/8 counts=12..19")
	assert.Contains(t, out.String(), res.Path)
}

func TestRun_ExplicitDestination(t *testing.T) {
	monitoring.SetLogger(nil)
	dest := filepath.Join(t.TempDir(), "fixed.zarr")
	res, err := run(context.Background(), options{cfg: testConfig(t, 2, 1), synth: 1, out: dest})
	require.NoError(t, err)
	assert.Equal(t, dest, res.Path)
	assert.Equal(t, 1, res.Slots)

	_, err = run(context.Background(), options{cfg: testConfig(t, 2, 1), synth: 1, out: dest})
	assert.ErrorIs(t, err, zarr.ErrExists)
}

func TestRun_SourceRequired(t *testing.T) {
	cfg := testConfig(t, 2, 1)
	_, err := run(context.Background(), options{cfg: cfg})
	assert.Error(t, err)
	_, err = run(context.Background(), options{cfg: cfg, synth: 1, pcap: "x.pcap"})
	assert.Error(t, err)
}

func TestRun_MissingCapture(t *testing.T) {
	_, err := run(context.Background(), options{cfg: testConfig(t, 2, 1), pcap: filepath.Join(t.TempDir(), "none.pcap")})
	assert.Error(t, err)
}

func TestList_NeedsCatalog(t *testing.T) {
	assert.Error(t, list(&bytes.Buffer{}, "", 0))
}

func TestFlagDefaults(t *testing.T) {
	if *synthCount != 0 {
		t.Errorf("expected -synth default 0, got %d", *synthCount)
	}
	if *listDumps != -1 {
		t.Errorf("expected -list default -1, got %d", *listDumps)
	}
	if *chunkSize != 0 {
		t.Errorf("expected -chunk default 0, got %d", *chunkSize)
	}
}
