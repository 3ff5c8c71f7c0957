// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package export

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/accessatlas/pkg/fusion"
	"github.com/gomlx/accessatlas/pkg/manifest"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

const (
	// ScriptedMagic starts every scripted module file.
	ScriptedMagic = "GMLX"

	// ScriptedVersion of the scripted module format.
	ScriptedVersion = 1

	scriptedFormatName = "accessatlas-scripted-module"
)

// Architecture describes the model graph: enough to rebuild it with the fusion package.
type Architecture struct {
	Config fusion.Config `json:"config"`

	// Layers is the description of the backbone layers, informative only.
	Layers []string `json:"layers,omitempty"`
}

// NewArchitecture returns the architecture of model, stripped of the training-only settings.
func NewArchitecture(model *fusion.Model) Architecture {
	cfg := model.Config()
	cfg.Pretrained = false
	cfg.PretrainedDir = ""
	cfg.DataDir = ""
	cfg.FreezeLayers = 0
	arch := Architecture{Config: cfg}
	if layered, ok := model.Backbone().(fusion.Layered); ok {
		for _, layer := range layered.Layers() {
			arch.Layers = append(arch.Layers, layer.String())
		}
	}
	return arch
}

// scriptedHeader is the JSON header of a scripted module.
type scriptedHeader struct {
	Format       string             `json:"format"`
	Version      int                `json:"version"`
	Architecture Architecture       `json:"architecture"`
	Metadata     *manifest.Metadata `json:"metadata"`
	Tensors      []tensorEntry      `json:"tensors"`
}

// tensorEntry locates a tensor blob, relative to the start of the data section.
type tensorEntry struct {
	Name   string    `json:"name"`
	DType  string    `json:"dtype"`
	Dims   []int     `json:"dims"`
	Offset int64     `json:"offset"`
	Length int64     `json:"length"`
	Scales []float32 `json:"scales,omitempty"`
	Axis   int       `json:"axis,omitempty"`
}

// WriteScripted writes a scripted module: the magic, the header length (uint32 little-endian), the JSON
// header and the tensor blobs, little-endian.
func WriteScripted(w io.Writer, arch Architecture, meta *manifest.Metadata, ws *Weights) error {
	header := scriptedHeader{
		Format:       scriptedFormatName,
		Version:      ScriptedVersion,
		Architecture: arch,
		Metadata:     meta,
		Tensors:      make([]tensorEntry, 0, len(ws.List)),
	}
	var offset int64
	for _, weight := range ws.List {
		length := int64(weight.Size() - 4*len(weight.Scales))
		header.Tensors = append(header.Tensors, tensorEntry{
			Name:   weight.Name,
			DType:  weight.Encoding.String(),
			Dims:   weight.Dims,
			Offset: offset,
			Length: length,
			Scales: weight.Scales,
			Axis:   weight.Axis,
		})
		offset += length
	}
	encoded, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode scripted module header")
	}
	if uint64(len(encoded)) > math.MaxUint32 {
		return errors.Errorf("scripted module header too large (%d bytes)", len(encoded))
	}

	bw := bufio.NewWriter(w)
	buf := append([]byte(ScriptedMagic), 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(buf[len(ScriptedMagic):], uint32(len(encoded)))
	buf = append(buf, encoded...)
	if _, err := bw.Write(buf); err != nil {
		return errors.Wrap(err, "failed to write scripted module")
	}
	for _, weight := range ws.List {
		buf = encodeBlob(buf[:0], weight)
		if _, err := bw.Write(buf); err != nil {
			return errors.Wrapf(err, "failed to write tensor %q", weight.Name)
		}
	}
	return errors.Wrap(bw.Flush(), "failed to write scripted module")
}

// encodeBlob appends the little-endian encoding of the weight values to buf.
func encodeBlob(buf []byte, w *Weight) []byte {
	switch w.Encoding {
	case Float16:
		for _, v := range w.Half {
			buf = binary.LittleEndian.AppendUint16(buf, v.Bits())
		}
	case Int8:
		for _, v := range w.Quantized {
			buf = append(buf, byte(v))
		}
	default:
		for _, v := range w.Values {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return buf
}

// decodeBlob is the inverse of encodeBlob: it fills the values (dequantized) of the weight.
func decodeBlob(blob []byte, w *Weight) error {
	size := 1
	for _, dim := range w.Dims {
		size *= dim
	}
	w.Values = make([]float32, size)
	switch w.Encoding {
	case Float16:
		if len(blob) != 2*size {
			return errors.Errorf("tensor %q: expected %d bytes, got %d", w.Name, 2*size, len(blob))
		}
		w.Half = make([]float16.Float16, size)
		for ii := range size {
			w.Half[ii] = float16.Frombits(binary.LittleEndian.Uint16(blob[2*ii:]))
			w.Values[ii] = w.Half[ii].Float32()
		}
	case Int8:
		if len(blob) != size {
			return errors.Errorf("tensor %q: expected %d bytes, got %d", w.Name, size, len(blob))
		}
		if len(w.Dims) == 0 || w.Axis != len(w.Dims)-1 || len(w.Scales) != w.Dims[w.Axis] {
			return errors.Errorf("tensor %q: int8 scales don't match the last axis of %v", w.Name, w.Dims)
		}
		channels := len(w.Scales)
		w.Quantized = make([]int8, size)
		for ii := range size {
			w.Quantized[ii] = int8(blob[ii])
			w.Values[ii] = float32(w.Quantized[ii]) * w.Scales[ii%channels]
		}
	default:
		if len(blob) != 4*size {
			return errors.Errorf("tensor %q: expected %d bytes, got %d", w.Name, 4*size, len(blob))
		}
		for ii := range size {
			w.Values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(blob[4*ii:]))
		}
	}
	return nil
}

// Module is a model loaded from a scripted module: a fusion.Model and a context with its variables.
// It's what an inference service loads.
type Module struct {
	Architecture Architecture
	Metadata     *manifest.Metadata
	Weights      *Weights

	Model   *fusion.Model
	Context *context.Context
}

// LoadScripted loads the scripted module file at path.
func LoadScripted(path string) (*Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open scripted module")
	}
	defer func() { _ = f.Close() }()
	m, err := ReadScripted(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load scripted module %q", path)
	}
	return m, nil
}

// ReadScripted reads a scripted module and rebuilds its model in a fresh context.
func ReadScripted(r io.Reader) (*Module, error) {
	br := bufio.NewReader(r)
	prefix := make([]byte, len(ScriptedMagic)+4)
	if _, err := io.ReadFull(br, prefix); err != nil {
		return nil, errors.Wrap(err, "failed to read scripted module header")
	}
	if string(prefix[:len(ScriptedMagic)]) != ScriptedMagic {
		return nil, errors.Errorf("not a scripted module: bad magic %q", prefix[:len(ScriptedMagic)])
	}
	encoded := make([]byte, binary.LittleEndian.Uint32(prefix[len(ScriptedMagic):]))
	if _, err := io.ReadFull(br, encoded); err != nil {
		return nil, errors.Wrap(err, "failed to read scripted module header")
	}
	var header scriptedHeader
	if err := json.Unmarshal(encoded, &header); err != nil {
		return nil, errors.Wrap(err, "failed to parse scripted module header")
	}
	if header.Format != scriptedFormatName || header.Version != ScriptedVersion {
		return nil, errors.Errorf("unsupported scripted module %q version %d", header.Format, header.Version)
	}

	ws := &Weights{List: make([]*Weight, 0, len(header.Tensors))}
	var offset int64
	for _, entry := range header.Tensors {
		if entry.Offset != offset {
			return nil, errors.Errorf("tensor %q at offset %d, expected %d", entry.Name, entry.Offset, offset)
		}
		encoding, err := parseEncoding(entry.DType)
		if err != nil {
			return nil, err
		}
		blob := make([]byte, entry.Length)
		if _, err := io.ReadFull(br, blob); err != nil {
			return nil, errors.Wrapf(err, "failed to read tensor %q", entry.Name)
		}
		weight := &Weight{Name: entry.Name, Dims: entry.Dims, Encoding: encoding, Scales: entry.Scales, Axis: entry.Axis}
		if err := decodeBlob(blob, weight); err != nil {
			return nil, err
		}
		ws.List = append(ws.List, weight)
		offset += entry.Length
	}
	slices.SortFunc(ws.List, func(a, b *Weight) int { return strings.Compare(a.Name, b.Name) })

	model, err := fusion.New(header.Architecture.Config)
	if err != nil {
		return nil, err
	}
	ctx := context.New()
	ws.SetVariables(ctx)
	return &Module{
		Architecture: header.Architecture,
		Metadata:     header.Metadata,
		Weights:      ws,
		Model:        model,
		Context:      ctx,
	}, nil
}

// Exec returns the inference executor of the module: it takes the images, coordinates and one-hot
// sources and returns the logits.
func (m *Module) Exec(backend backends.Backend) (*context.Exec, error) {
	return m.Model.InferenceExec(backend, m.Context)
}
