// Copyright 2026 The finetune Authors. SPDX-License-Identifier: Apache-2.0

package weights

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/compute/dtypes/float16"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/techthiyanes/finetune/pkg/ferrors"
	"k8s.io/klog/v2"
	"maps"
)

// File names inside a weights directory.
const (
	JSONFile   = "weights.json"
	BinaryFile = "weights.bin"
)

const (
	binHeader  = "finetune_weights"
	gzipHeader = "gzip"
)

// serializedData is the content of JSONFile.
type serializedData struct {
	// Variables in the order they are stored in BinaryFile.
	Variables []serializedVar

	// BinFormat is informative, always "gzip".
	BinFormat string
}

type serializedVar struct {
	// ParameterName is the variable unique id, "/scope/name".
	ParameterName string

	Dimensions []int

	// DType of the variable.
	DType dtypes.DType

	// StoredDType is the dtype of the bytes in BinaryFile: floats may be saved in half
	// precision.
	StoredDType dtypes.DType

	// Pos, Length in bytes in the uncompressed binary data.
	Pos, Length int
}

// SaveDTypes accepted by Save.
const (
	SaveFloat32 = "float32"
	SaveFloat16 = "float16"
)

// Save writes the non-excluded Variables to the directory path, creating it if needed.
//
// If saveDType is SaveFloat16, float32 variables are stored in half precision. Files are written
// to temporary names and renamed at the end, so a failed Save never leaves a partial set of
// weights behind.
func (s *Store) Save(path, saveDType string) error {
	s.mu.Lock()
	values := make(map[string]*tensors.Tensor, len(s.Variables))
	for name, t := range s.Variables {
		if !s.Excluded(name) {
			values[name] = t
		}
	}
	s.mu.Unlock()
	return writeDir(path, values, saveDType)
}

// SaveFiltered is like Save, but only includes the variables for which keep returns true.
func (s *Store) SaveFiltered(path, saveDType string, keep func(name string) bool) error {
	s.mu.Lock()
	values := make(map[string]*tensors.Tensor)
	for name, t := range s.Variables {
		if !s.Excluded(name) && keep(name) {
			values[name] = t
		}
	}
	s.mu.Unlock()
	return writeDir(path, values, saveDType)
}

// Load reads the weights saved at path into Variables, replacing the current ones.
func (s *Store) Load(path string) error {
	values, err := readDir(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.Variables = values
	s.mu.Unlock()
	return nil
}

// Exists reports whether path holds saved weights.
func Exists(path string) bool {
	for _, name := range []string{JSONFile, BinaryFile} {
		if _, err := os.Stat(filepath.Join(path, name)); err != nil {
			return false
		}
	}
	return true
}

func writeDir(path string, values map[string]*tensors.Tensor, saveDType string) error {
	if saveDType == "" {
		saveDType = SaveFloat32
	}
	if saveDType != SaveFloat32 && saveDType != SaveFloat16 {
		return ferrors.Configurationf("save_dtype must be %q or %q, got %q", SaveFloat32, SaveFloat16, saveDType)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create weights directory %q", path)
	}

	binFile, err := os.CreateTemp(path, BinaryFile+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to create weights file in %q", path)
	}
	defer func() { _ = os.Remove(binFile.Name()) }()
	buffered := bufio.NewWriter(binFile)
	if _, err = buffered.WriteString(binHeader); err == nil {
		if err = buffered.WriteByte(byte(len(gzipHeader))); err == nil {
			_, err = buffered.WriteString(gzipHeader)
		}
	}
	if err != nil {
		return errors.Wrapf(err, "failed to write header of %q", binFile.Name())
	}
	zipped := gzip.NewWriter(buffered)

	names := slices.Sorted(maps.Keys(values))
	serialized := serializedData{BinFormat: gzipHeader, Variables: make([]serializedVar, 0, len(names))}
	pos := 0
	for _, name := range names {
		value := values[name]
		stored := value
		if saveDType == SaveFloat16 && value.DType() == dtypes.Float32 {
			stored = toFloat16(value)
		}
		var n int
		var writeErr error
		err = stored.ConstBytes(func(data []byte) {
			n, writeErr = zipped.Write(data)
		})
		if err == nil {
			err = writeErr
		}
		if err != nil {
			return errors.Wrapf(err, "failed to write variable %q", name)
		}
		serialized.Variables = append(serialized.Variables, serializedVar{
			ParameterName: name,
			Dimensions:    value.Shape().Dimensions,
			DType:         value.DType(),
			StoredDType:   stored.DType(),
			Pos:           pos,
			Length:        n,
		})
		pos += n
	}
	if err = zipped.Close(); err != nil {
		return errors.Wrapf(err, "failed to compress %q", binFile.Name())
	}
	if err = buffered.Flush(); err != nil {
		return errors.Wrapf(err, "failed to flush %q", binFile.Name())
	}
	if err = binFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", binFile.Name())
	}

	blob, err := json.MarshalIndent(&serialized, "", "\t")
	if err != nil {
		return errors.Wrap(err, "failed to encode weights metadata")
	}
	jsonTmp := filepath.Join(path, JSONFile+".tmp")
	if err = os.WriteFile(jsonTmp, blob, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %q", jsonTmp)
	}
	if err = os.Rename(binFile.Name(), filepath.Join(path, BinaryFile)); err != nil {
		return errors.Wrapf(err, "failed to move weights into %q", path)
	}
	if err = os.Rename(jsonTmp, filepath.Join(path, JSONFile)); err != nil {
		return errors.Wrapf(err, "failed to move weights metadata into %q", path)
	}
	klog.V(1).Infof("saved %d variables to %q (%s uncompressed, %s)", len(names), path,
		humanize.Bytes(uint64(pos)), saveDType)
	return nil
}

func readDir(path string) (map[string]*tensors.Tensor, error) {
	blob, err := os.ReadFile(filepath.Join(path, JSONFile))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read weights metadata from %q", path)
	}
	var serialized serializedData
	if err = json.Unmarshal(blob, &serialized); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %q", filepath.Join(path, JSONFile))
	}
	binPath := filepath.Join(path, BinaryFile)
	f, err := os.Open(binPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", binPath)
	}
	defer func() { _ = f.Close() }()
	reader, err := openBinary(bufio.NewReader(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", binPath)
	}

	values := make(map[string]*tensors.Tensor, len(serialized.Variables))
	pos := 0
	for _, v := range serialized.Variables {
		if v.Pos != pos {
			return nil, errors.Errorf("variable %q stored out of order at position %d, expected %d",
				v.ParameterName, v.Pos, pos)
		}
		storedDType := v.StoredDType
		if storedDType == dtypes.InvalidDType {
			storedDType = v.DType
		}
		t := tensors.FromShape(shapes.Make(storedDType, v.Dimensions...))
		var readErr error
		err = t.MutableBytes(func(data []byte) {
			if len(data) != v.Length {
				readErr = errors.Errorf("variable %q has %d bytes stored, its shape needs %d", v.ParameterName, v.Length, len(data))
				return
			}
			_, readErr = io.ReadFull(reader, data)
		})
		if err == nil {
			err = readErr
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read variable %q from %q", v.ParameterName, binPath)
		}
		pos += v.Length
		if storedDType == dtypes.Float16 && v.DType == dtypes.Float32 {
			t = fromFloat16(t)
		}
		values[v.ParameterName] = t
	}
	return values, nil
}

func openBinary(r *bufio.Reader) (io.Reader, error) {
	header := make([]byte, len(binHeader)+1)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "failed to read header")
	}
	if !bytes.Equal(header[:len(binHeader)], []byte(binHeader)) {
		return nil, errors.New("not a weights file")
	}
	format := make([]byte, header[len(binHeader)])
	if _, err := io.ReadFull(r, format); err != nil {
		return nil, errors.Wrap(err, "failed to read header")
	}
	if string(format) != gzipHeader {
		return nil, errors.Errorf("unsupported weights compression %q", format)
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read gzip header")
	}
	return zr, nil
}

func toFloat16(t *tensors.Tensor) *tensors.Tensor {
	values := tensors.MustCopyFlatData[float32](t)
	half := make([]float16.Float16, len(values))
	for i, v := range values {
		half[i] = float16.FromFloat32(v)
	}
	return tensors.FromFlatDataAndDimensions(half, t.Shape().Dimensions...)
}

func fromFloat16(t *tensors.Tensor) *tensors.Tensor {
	half := tensors.MustCopyFlatData[float16.Float16](t)
	values := make([]float32, len(half))
	for i, v := range half {
		values[i] = v.Float32()
	}
	return tensors.FromFlatDataAndDimensions(values, t.Shape().Dimensions...)
}
