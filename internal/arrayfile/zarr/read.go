package zarr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/dumpring/internal/fsutil"
)

// ReadMeta loads the .zarray document of a variable.
func ReadMeta(fsys fsutil.FileSystem, path, name string) (ArrayMeta, error) {
	var m ArrayMeta
	data, err := fsys.ReadFile(filepath.Join(path, name, arrayMetaKey))
	if err != nil {
		return m, fmt.Errorf("zarr: failed to read %s metadata: %w", name, err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("zarr: failed to parse %s metadata: %w", name, err)
	}
	return m, nil
}

// ReadAttrs loads the .zattrs document of a variable, or of the group when
// name is empty.
func ReadAttrs(fsys fsutil.FileSystem, path, name string) (map[string]any, error) {
	data, err := fsys.ReadFile(filepath.Join(path, name, attrsKey))
	if err != nil {
		return nil, fmt.Errorf("zarr: failed to read attributes: %w", err)
	}
	attrs := make(map[string]any)
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("zarr: failed to parse attributes: %w", err)
	}
	return attrs, nil
}

// ReadRaw assembles a variable's chunk objects into one C-order byte slice
// covering its full shape. Missing chunks read as the fill value; only the
// NaN float fill and zero are understood.
func ReadRaw(fsys fsutil.FileSystem, path, name string) (ArrayMeta, []byte, error) {
	m, err := ReadMeta(fsys, path, name)
	if err != nil {
		return m, nil, err
	}
	itemSize, err := itemSizeOf(m.DType)
	if err != nil {
		return m, nil, fmt.Errorf("zarr: %s: %w", name, err)
	}

	var dec *zstd.Decoder
	if m.Compressor != nil {
		if m.Compressor.ID != "zstd" {
			return m, nil, fmt.Errorf("zarr: %s: unsupported compressor %q", name, m.Compressor.ID)
		}
		dec, err = zstd.NewReader(nil)
		if err != nil {
			return m, nil, fmt.Errorf("zarr: failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
	}

	rowBytes := itemSize
	for _, s := range m.Shape[1:] {
		rowBytes *= s
	}
	out := make([]byte, m.Shape[0]*rowBytes)
	if m.DType == "<f8" && m.FillValue == "NaN" {
		fillNaN(out)
	}
	c0 := m.Chunks[0]
	for k := 0; k*c0 < m.Shape[0]; k++ {
		key := chunkKey(k, len(m.Shape))
		data, err := fsys.ReadFile(filepath.Join(path, name, key))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return m, nil, fmt.Errorf("zarr: failed to read chunk %s/%s: %w", name, key, err)
		}
		if dec != nil {
			if data, err = dec.DecodeAll(data, nil); err != nil {
				return m, nil, fmt.Errorf("zarr: failed to decompress chunk %s/%s: %w", name, key, err)
			}
		}
		if len(data) != c0*rowBytes {
			return m, nil, fmt.Errorf("zarr: chunk %s/%s has %d bytes, want %d", name, key, len(data), c0*rowBytes)
		}
		rows := min(c0, m.Shape[0]-k*c0)
		copy(out[k*c0*rowBytes:], data[:rows*rowBytes])
	}
	return m, out, nil
}

func itemSizeOf(code string) (int, error) {
	switch code {
	case "|i1":
		return 1, nil
	case "<u8", "<f8":
		return 8, nil
	}
	var n int
	if _, err := fmt.Sscanf(code, "|S%d", &n); err == nil && n > 0 {
		return n, nil
	}
	return 0, fmt.Errorf("unsupported dtype %q", code)
}
