package adapter

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/23skdu/longbow-precision/internal/quant"
)

// Supported safetensors dtypes.
const (
	DTypeF32 = "F32"
	DTypeF16 = "F16"
)

// maxHeaderSize bounds the JSON header so a corrupt length prefix cannot
// trigger a huge allocation.
const maxHeaderSize = 100 << 20

type tensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// rawTensor is a decoded 2-D safetensors entry widened to float64.
type rawTensor struct {
	dtype string
	shape []int
	data  []float64
}

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case DTypeF32:
		return 4, nil
	case DTypeF16:
		return 2, nil
	}
	return 0, fmt.Errorf("unsupported dtype %q", dtype)
}

// readSafetensors parses the file layout: u64 little-endian header length,
// JSON header, then the raw tensor bytes. Only the named tensors are decoded.
func readSafetensors(path string, names ...string) (map[string]*rawTensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %v: %w", path, err, quant.ErrIO)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("checkpoint %s: truncated header: %w", path, quant.ErrIO)
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderSize || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("checkpoint %s: header length %d out of range: %w", path, headerLen, quant.ErrIO)
	}
	body := data[8+headerLen:]

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("checkpoint %s: parse header: %v: %w", path, err, quant.ErrIO)
	}

	out := make(map[string]*rawTensor, len(names))
	for _, name := range names {
		raw, ok := header[name]
		if !ok {
			return nil, fmt.Errorf("checkpoint %s: tensor %q not found: %w", path, name, quant.ErrIO)
		}
		var info tensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("checkpoint %s: tensor %q: %v: %w", path, name, err, quant.ErrIO)
		}
		t, err := decodeTensor(body, &info)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: tensor %q: %v: %w", path, name, err, quant.ErrIO)
		}
		out[name] = t
	}
	return out, nil
}

func decodeTensor(body []byte, info *tensorInfo) (*rawTensor, error) {
	size, err := dtypeSize(info.DType)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 2 {
		return nil, fmt.Errorf("expected 2-D tensor, got shape %v", info.Shape)
	}
	if info.Shape[0] < 0 || info.Shape[1] < 0 {
		return nil, fmt.Errorf("negative shape %v", info.Shape)
	}
	// compare by division so a forged shape cannot overflow the product
	if info.Shape[1] != 0 && info.Shape[0] > len(body)/size/info.Shape[1] {
		return nil, fmt.Errorf("shape %v exceeds %d byte body", info.Shape, len(body))
	}
	n := info.Shape[0] * info.Shape[1]
	begin, end := info.DataOffsets[0], info.DataOffsets[1]
	if begin < 0 || end < begin || end > int64(len(body)) {
		return nil, fmt.Errorf("data offsets [%d,%d) outside %d byte body", begin, end, len(body))
	}
	if end-begin != int64(n*size) {
		return nil, fmt.Errorf("shape %v needs %d bytes, offsets cover %d", info.Shape, n*size, end-begin)
	}

	buf := body[begin:end]
	values := make([]float64, n)
	for i := range values {
		switch info.DType {
		case DTypeF32:
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
		case DTypeF16:
			values[i] = float64(quant.Float16ToFloat32(binary.LittleEndian.Uint16(buf[i*2:])))
		}
	}
	return &rawTensor{dtype: info.DType, shape: []int{info.Shape[0], info.Shape[1]}, data: values}, nil
}

// encodeSafetensors serializes tensors in name order. The header is padded
// with spaces to an 8-byte boundary.
func encodeSafetensors(tensors map[string]*rawTensor) ([]byte, error) {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorInfo, len(names))
	var body bytes.Buffer
	for _, name := range names {
		t := tensors[name]
		size, err := dtypeSize(t.dtype)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		begin := int64(body.Len())
		scratch := make([]byte, size)
		for _, v := range t.data {
			switch t.dtype {
			case DTypeF32:
				binary.LittleEndian.PutUint32(scratch, math.Float32bits(float32(v)))
			case DTypeF16:
				binary.LittleEndian.PutUint16(scratch, quant.Float32ToFloat16(float32(v)))
			}
			body.Write(scratch)
		}
		header[name] = tensorInfo{
			DType:       t.dtype,
			Shape:       t.shape,
			DataOffsets: [2]int64{begin, int64(body.Len())},
		}
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	if pad := len(hdr) % 8; pad != 0 {
		hdr = append(hdr, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	out := make([]byte, 8, 8+len(hdr)+body.Len())
	binary.LittleEndian.PutUint64(out, uint64(len(hdr)))
	out = append(out, hdr...)
	out = append(out, body.Bytes()...)
	return out, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers see either the old or the new file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
