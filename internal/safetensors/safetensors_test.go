package safetensors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	json "github.com/goccy/go-json"
)

type rawTensor struct {
	dtype string
	shape []int
	data  []byte
}

// writeFile lays tensors out back to back and emits a complete
// safetensors file.
func writeFile(t *testing.T, tensors map[string]rawTensor) string {
	t.Helper()
	header := make(map[string]any, len(tensors))
	var data []byte
	off := int64(0)
	for name, rt := range tensors {
		header[name] = tensorHeader{
			DType:       rt.dtype,
			Shape:       rt.shape,
			DataOffsets: []int64{off, off + int64(len(rt.data))},
		}
		data = append(data, rt.data...)
		off += int64(len(rt.data))
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	out := append(lenBuf[:], headerBytes...)
	out = append(out, data...)

	path := filepath.Join(t.TempDir(), "test.safetensors")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func f32Bytes(vals ...float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func u16Bytes(vals ...uint16) []byte {
	out := make([]byte, len(vals)*2)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

func TestOpenAndLookup(t *testing.T) {
	t.Parallel()
	path := writeFile(t, map[string]rawTensor{
		"weight": {dtype: "F32", shape: []int{2, 3}, data: f32Bytes(0, 1, 2, 3, 4, 5)},
	})

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	info, ok := f.Tensor("weight")
	if !ok {
		t.Fatal("tensor missing")
	}
	if info.DType != "F32" || len(info.Shape) != 2 || info.Shape[0] != 2 {
		t.Fatalf("info: %+v", info)
	}
	if _, ok := f.Tensor("missing"); ok {
		t.Fatal("lookup of absent tensor succeeded")
	}
}

func TestOpenRejectsCorruptFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		return path
	}

	badJSON := make([]byte, 8+4)
	binary.LittleEndian.PutUint64(badJSON, 4)
	copy(badJSON[8:], "{{{{")

	// A length prefix far beyond the file must be rejected before the
	// header buffer is allocated.
	hugeHeader := make([]byte, 8+2)
	binary.LittleEndian.PutUint64(hugeHeader, 1<<40)

	cases := []struct {
		name string
		path string
	}{
		{"nonexistent", filepath.Join(dir, "nope.safetensors")},
		{"truncated header length", write("short.safetensors", []byte{0, 0, 0})},
		{"invalid header json", write("badjson.safetensors", badJSON)},
		{"header length beyond file", write("huge.safetensors", hugeHeader)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Open(tc.path); err == nil {
				t.Fatal("Open succeeded")
			}
		})
	}
}

func TestReadTensorF32Conversions(t *testing.T) {
	t.Parallel()
	path := writeFile(t, map[string]rawTensor{
		// 1.0 = 0x3F80 in bf16, 0x3C00 in fp16.
		"f32":  {dtype: "F32", shape: []int{2}, data: f32Bytes(1.5, -2.25)},
		"bf16": {dtype: "BF16", shape: []int{2}, data: u16Bytes(0x3F80, 0xBF80)},
		"f16":  {dtype: "F16", shape: []int{2}, data: u16Bytes(0x3C00, 0xC000)},
	})
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	cases := []struct {
		name string
		want []float32
	}{
		{"f32", []float32{1.5, -2.25}},
		{"bf16", []float32{1, -1}},
		{"f16", []float32{1, -2}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vals, _, err := f.ReadTensorF32(tc.name)
			if err != nil {
				t.Fatalf("ReadTensorF32: %v", err)
			}
			for i, want := range tc.want {
				if vals[i] != want {
					t.Fatalf("element %d: %v, want %v", i, vals[i], want)
				}
			}
		})
	}
}

func TestReadTensorRejectsUnsupportedDType(t *testing.T) {
	t.Parallel()
	path := writeFile(t, map[string]rawTensor{
		"q": {dtype: "I8", shape: []int{4}, data: make([]byte, 4)},
	})
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := f.ReadTensorF32("q"); err == nil {
		t.Fatal("unsupported dtype accepted")
	}
}

func TestReadTensorSizeMismatch(t *testing.T) {
	t.Parallel()
	// Shape says 4 floats but only 8 bytes of data are present.
	path := writeFile(t, map[string]rawTensor{
		"w": {dtype: "F32", shape: []int{4}, data: make([]byte, 8)},
	})
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, _, err := f.ReadTensorF32("w"); err == nil {
		t.Fatal("size mismatch accepted")
	}
}

func TestReadMat(t *testing.T) {
	t.Parallel()
	path := writeFile(t, map[string]rawTensor{
		"w": {dtype: "F32", shape: []int{2, 3}, data: f32Bytes(0, 1, 2, 3, 4, 5)},
	})
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	m, err := f.ReadMat("w", 2, 3)
	if err != nil {
		t.Fatalf("ReadMat: %v", err)
	}
	if m.R != 2 || m.C != 3 {
		t.Fatalf("shape [%d %d]", m.R, m.C)
	}
	if got := m.Row(1)[2]; got != 5 {
		t.Fatalf("element (1,2) = %v", got)
	}

	if _, err := f.ReadMat("w", 3, 2); err == nil {
		t.Fatal("wrong shape accepted")
	}
	if _, err := f.ReadMat("absent", 2, 3); err == nil {
		t.Fatal("absent tensor accepted")
	}
}

func TestReadVec(t *testing.T) {
	t.Parallel()
	path := writeFile(t, map[string]rawTensor{
		"b": {dtype: "F32", shape: []int{3}, data: f32Bytes(7, 8, 9)},
	})
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	v, err := f.ReadVec("b", 3)
	if err != nil {
		t.Fatalf("ReadVec: %v", err)
	}
	if v[0] != 7 || v[2] != 9 {
		t.Fatalf("values: %v", v)
	}

	if _, err := f.ReadVec("b", 4); err == nil {
		t.Fatal("wrong length accepted")
	}
}
