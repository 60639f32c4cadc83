package gguf_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/layerscope/internal/gguf"
	"github.com/samcharles93/layerscope/internal/gguf/ggufbuild"
)

func mustParse(t *testing.T, data []byte) *gguf.File {
	t.Helper()
	f, err := gguf.Parse(data, gguf.DefaultParseOptions())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return f
}

func TestParseTables(t *testing.T) {
	b := ggufbuild.New().
		Add("general.architecture", gguf.StringValue("llama")).
		Add("llama.block_count", gguf.Uint32Value(2)).
		Add("llama.rope.freq_base", gguf.Float32Value(500000)).
		AddStrings("tokenizer.ggml.tokens", "<s>", "</s>", "hello").
		AddArray("tokenizer.ggml.scores", gguf.TypeFloat32, 3).
		Add("general.quantized", gguf.BoolValue(true)).
		AddF32("token_embd.weight", []uint64{2, 3}, []float32{1, 2, 3, 4, 5, 6}).
		AddTensor("output_norm.weight", gguf.GGMLTypeF16, []uint64{2}, ggufbuild.F16Bytes([]uint16{0x3C00, 0x4000}))
	f := mustParse(t, b.Bytes())

	if f.Header.Version != 3 || f.Header.KVCount != 6 || f.Header.TensorCount != 2 {
		t.Fatalf("header = %+v", f.Header)
	}

	var keys []string
	for _, kv := range f.KV {
		keys = append(keys, kv.Key)
	}
	wantKeys := []string{
		"general.architecture", "llama.block_count", "llama.rope.freq_base",
		"tokenizer.ggml.tokens", "tokenizer.ggml.scores", "general.quantized",
	}
	if diff := cmp.Diff(wantKeys, keys); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}

	wantTensors := []gguf.TensorInfo{
		{Name: "token_embd.weight", Dims: []uint64{2, 3}, Type: gguf.GGMLTypeF32, Offset: 0},
		{Name: "output_norm.weight", Dims: []uint64{2}, Type: gguf.GGMLTypeF16, Offset: 32},
	}
	if diff := cmp.Diff(wantTensors, f.Tensors); diff != "" {
		t.Fatalf("tensors mismatch (-want +got):\n%s", diff)
	}

	tokens, ok := f.Value("tokenizer.ggml.tokens")
	if !ok {
		t.Fatal("tokenizer.ggml.tokens missing")
	}
	if arr, ok := tokens.Array(); !ok || arr.Elem != gguf.TypeString || arr.Len != 3 {
		t.Fatalf("tokens = %v, want array<string>[3]", tokens)
	}
	if got := tokens.String(); got != "array<string>[3]" {
		t.Fatalf("tokens.String() = %q", got)
	}
	if v, _ := f.Value("llama.rope.freq_base"); v.String() != "500000" {
		t.Fatalf("freq_base display = %q", v.String())
	}

	if f.Alignment != gguf.DefaultAlignment || f.DataOffset%gguf.DefaultAlignment != 0 {
		t.Fatalf("alignment = %d, data offset = %d", f.Alignment, f.DataOffset)
	}
	if got, want := f.Size-f.DataOffset, uint64(32+4); got != want {
		t.Fatalf("data section = %d bytes, want %d", got, want)
	}
	info, ok := f.Tensor("output_norm.weight")
	if !ok || f.AbsOffset(info) != f.DataOffset+32 {
		t.Fatalf("output_norm.weight = %+v, %v", info, ok)
	}
	if _, ok := f.Tensor("missing"); ok {
		t.Fatal("Tensor(missing) reported ok")
	}
}

func TestParseMalformed(t *testing.T) {
	arrayOfArrays := binary.LittleEndian.AppendUint32(nil, uint32(gguf.TypeArray))
	arrayOfArrays = binary.LittleEndian.AppendUint64(arrayOfArrays, 1)
	unknownElem := binary.LittleEndian.AppendUint32(nil, 42)
	unknownElem = binary.LittleEndian.AppendUint64(unknownElem, 1)

	tests := []struct {
		name string
		data []byte
	}{
		{"bad magic", append([]byte("GGML"), ggufbuild.New().Bytes()[4:]...)},
		{"unknown value tag", ggufbuild.New().AddRaw("x", 13, nil).Bytes()},
		{"array of arrays", ggufbuild.New().AddRaw("x", uint32(gguf.TypeArray), arrayOfArrays).Bytes()},
		{"unknown array element", ggufbuild.New().AddRaw("x", uint32(gguf.TypeArray), unknownElem).Bytes()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gguf.Parse(tt.data, gguf.DefaultParseOptions())
			if !errors.Is(err, gguf.ErrMalformed) {
				t.Fatalf("Parse() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestParseOutOfBounds(t *testing.T) {
	hugeCount := []byte("GGUF")
	hugeCount = binary.LittleEndian.AppendUint32(hugeCount, 3)
	hugeCount = binary.LittleEndian.AppendUint64(hugeCount, math.MaxUint64)
	hugeCount = binary.LittleEndian.AppendUint64(hugeCount, 0)

	shortArray := binary.LittleEndian.AppendUint32(nil, uint32(gguf.TypeUint8))
	shortArray = binary.LittleEndian.AppendUint64(shortArray, 1000)

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated header", []byte("GGUF\x03\x00")},
		{"huge tensor count", hugeCount},
		{"array past end", ggufbuild.New().AddRaw("x", uint32(gguf.TypeArray), shortArray).Bytes()},
		{
			"tensor starts past end",
			ggufbuild.New().
				AddF32("ok", []uint64{4}, []float32{1, 2, 3, 4}).
				AddTensorAt("bad", gguf.GGMLTypeF32, []uint64{1}, 1<<20).
				Bytes(),
		},
		{
			"tensor span past end",
			ggufbuild.New().
				AddF32("ok", []uint64{4}, []float32{1, 2, 3, 4}).
				AddTensorAt("bad", gguf.GGMLTypeF32, []uint64{16}, 0).
				Bytes(),
		},
		{
			"unknown type starts past end",
			ggufbuild.New().AddTensorAt("bad", gguf.TensorType(99), []uint64{1}, 4096).Bytes(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gguf.Parse(tt.data, gguf.DefaultParseOptions())
			if !errors.Is(err, gguf.ErrOutOfBounds) {
				t.Fatalf("Parse() error = %v, want ErrOutOfBounds", err)
			}
		})
	}
}

func TestParseOverflow(t *testing.T) {
	tests := []struct {
		name string
		b    *ggufbuild.Builder
	}{
		{"element count", ggufbuild.New().AddTensorAt("big", gguf.GGMLTypeF32, []uint64{1 << 32, 1 << 32}, 0)},
		{"byte size", ggufbuild.New().AddTensorAt("big", gguf.GGMLTypeF32, []uint64{1 << 62}, 0)},
		{"offset", ggufbuild.New().AddTensorAt("far", gguf.TensorType(99), []uint64{1}, math.MaxUint64)},
		{
			"array bytes",
			ggufbuild.New().AddRaw("x", uint32(gguf.TypeArray),
				binary.LittleEndian.AppendUint64(binary.LittleEndian.AppendUint32(nil, uint32(gguf.TypeUint64)), 1<<62)),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gguf.Parse(tt.b.Bytes(), gguf.DefaultParseOptions())
			if !errors.Is(err, gguf.ErrOverflow) {
				t.Fatalf("Parse() error = %v, want ErrOverflow", err)
			}
		})
	}
}

func TestParseUnknownTypeInBounds(t *testing.T) {
	f := mustParse(t, ggufbuild.New().
		AddTensor("q8", gguf.GGMLTypeQ8_0, []uint64{32}, make([]byte, 34)).
		AddTensor("q5", gguf.GGMLTypeQ5_K, []uint64{256}, make([]byte, 176)).
		Bytes())

	// q8 ends where padding to q5's aligned offset begins; q5 runs to the end.
	want := []uint64{64, 176}
	if diff := cmp.Diff(want, f.SpanSizes()); diff != "" {
		t.Fatalf("SpanSizes mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDuplicatesResolveToLast(t *testing.T) {
	f := mustParse(t, ggufbuild.New().
		Add("k", gguf.Uint32Value(1)).
		Add("k", gguf.Uint32Value(2)).
		AddF32("w", []uint64{1}, []float32{1}).
		AddF32("w", []uint64{2}, []float32{2, 3}).
		Bytes())

	if len(f.KV) != 2 || len(f.Tensors) != 2 {
		t.Fatalf("len(KV) = %d, len(Tensors) = %d, want 2 and 2", len(f.KV), len(f.Tensors))
	}
	v, _ := f.Value("k")
	if got, _ := v.Uint32(); got != 2 {
		t.Fatalf("Value(k) = %d, want 2", got)
	}
	if idx, _ := f.TensorIndex("w"); idx != 1 {
		t.Fatalf("TensorIndex(w) = %d, want 1", idx)
	}
}

func TestParseAlignment(t *testing.T) {
	tests := []struct {
		name string
		b    *ggufbuild.Builder
		opts gguf.ParseOptions
		want uint64
	}{
		{"u32 key", ggufbuild.New().SetAlignment(64), gguf.DefaultParseOptions(), 64},
		{"u64 key", ggufbuild.New().Add("general.alignment", gguf.Uint64Value(16)).Pad(16), gguf.DefaultParseOptions(), 16},
		{"u64 out of range", ggufbuild.New().Add("general.alignment", gguf.Uint64Value(1 << 40)), gguf.DefaultParseOptions(), 32},
		{"wrong type ignored", ggufbuild.New().Add("general.alignment", gguf.StringValue("64")), gguf.DefaultParseOptions(), 32},
		{"option default", ggufbuild.New().Pad(8), gguf.ParseOptions{DefaultAlignment: 8}, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.b.AddF32("w", []uint64{3}, []float32{1, 2, 3})
			data := tt.b.Bytes()
			f, err := gguf.Parse(data, tt.opts)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if f.Alignment != tt.want {
				t.Fatalf("Alignment = %d, want %d", f.Alignment, tt.want)
			}
			if f.DataOffset%tt.want != 0 || f.DataOffset != uint64(len(data))-12 {
				t.Fatalf("DataOffset = %d (len %d)", f.DataOffset, len(data))
			}
		})
	}
}

func TestParseZeroAlignmentMeansNoPadding(t *testing.T) {
	data := ggufbuild.New().SetAlignment(0).AddF32("w", []uint64{1}, []float32{7}).Bytes()
	f := mustParse(t, data)
	if f.Alignment != 0 || f.DataOffset != uint64(len(data))-4 {
		t.Fatalf("Alignment = %d, DataOffset = %d, len = %d", f.Alignment, f.DataOffset, len(data))
	}
}

func TestReadStrings(t *testing.T) {
	data := ggufbuild.New().
		Add("general.architecture", gguf.StringValue("llama")).
		AddStrings("tokenizer.ggml.tokens", "<s>", "</s>", "hello").
		AddArray("tokenizer.ggml.scores", gguf.TypeFloat32, 3).
		Bytes()
	f := mustParse(t, data)

	v, _ := f.Value("tokenizer.ggml.tokens")
	arr, _ := v.Array()
	got, err := gguf.ReadStrings(data, arr, 0)
	if err != nil {
		t.Fatalf("ReadStrings() error = %v", err)
	}
	if diff := cmp.Diff([]string{"<s>", "</s>", "hello"}, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
	if got, _ := gguf.ReadStrings(data, arr, 2); len(got) != 2 {
		t.Fatalf("limited read returned %d strings", len(got))
	}

	scores, _ := f.Value("tokenizer.ggml.scores")
	sarr, _ := scores.Array()
	if _, err := gguf.ReadStrings(data, sarr, 0); !errors.Is(err, gguf.ErrMalformed) {
		t.Fatalf("ReadStrings(f32 array) error = %v, want ErrMalformed", err)
	}
	if _, err := gguf.ReadStrings(data[:arr.Offset+4], arr, 0); !errors.Is(err, gguf.ErrOutOfBounds) {
		t.Fatalf("ReadStrings(truncated) error = %v, want ErrOutOfBounds", err)
	}
}
