package safetensors

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Writer builds a safetensors file in two phases: declare every tensor up
// front, then stream each payload in declaration order. This keeps memory
// flat while splitting multi-gigabyte checkpoints.
type Writer struct {
	f        *os.File
	path     string
	metadata map[string]string
	declared []*TensorInfo
	next     int
	buf      *bufio.Writer
	started  bool
	closed   bool
}

// NewWriter creates the file at path, creating parent directories as needed.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create safetensors file: %w", err)
	}
	return &Writer{f: f, path: path}, nil
}

// SetMetadata attaches the optional __metadata__ map. Must be called before
// the first WriteTensor.
func (w *Writer) SetMetadata(md map[string]string) {
	w.metadata = md
}

// Declare registers a tensor. Payloads must later be written in the same
// order. Declaration is rejected once writing has begun.
func (w *Writer) Declare(name string, dtype DType, shape []uint64) error {
	if w.started {
		return fmt.Errorf("declare %q: writing already started", name)
	}
	var begin uint64
	if n := len(w.declared); n > 0 {
		begin = w.declared[n-1].end
	}
	info := &TensorInfo{
		Name:  name,
		DType: dtype,
		Shape: shape,
		begin: begin,
	}
	info.end = begin + info.Elements()*dtype.Size()
	if err := info.validate(); err != nil {
		return err
	}
	w.declared = append(w.declared, info)
	return nil
}

func (w *Writer) writeHeader() error {
	header := make(map[string]headerEntry, len(w.declared))
	for _, info := range w.declared {
		shape := info.Shape
		if shape == nil {
			shape = []uint64{}
		}
		header[info.Name] = headerEntry{
			DType:       info.DType,
			Shape:       shape,
			DataOffsets: [2]uint64{info.begin, info.end},
		}
	}

	// __metadata__ lives alongside tensor entries, so marshal through an
	// untyped map when present.
	var raw []byte
	var err error
	if len(w.metadata) > 0 {
		combined := make(map[string]interface{}, len(header)+1)
		for k, v := range header {
			combined[k] = v
		}
		combined["__metadata__"] = w.metadata
		raw, err = json.Marshal(combined)
	} else {
		raw, err = json.Marshal(header)
	}
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	if err := binary.Write(w.f, binary.LittleEndian, uint64(len(raw))); err != nil {
		return fmt.Errorf("write header length: %w", err)
	}
	if _, err := w.f.Write(raw); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	w.buf = bufio.NewWriterSize(w.f, 1<<20)
	w.started = true
	return nil
}

// WriteTensor writes the payload for the next declared tensor. The data
// length must match the declared shape and dtype.
func (w *Writer) WriteTensor(data []byte) error {
	if !w.started {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}
	if w.next >= len(w.declared) {
		return fmt.Errorf("write tensor: all %d declared tensors already written", len(w.declared))
	}
	info := w.declared[w.next]
	if uint64(len(data)) != info.ByteSize() {
		return fmt.Errorf("write tensor %q: got %d bytes, declared %d",
			info.Name, len(data), info.ByteSize())
	}
	if _, err := w.buf.Write(data); err != nil {
		return fmt.Errorf("write tensor %q: %w", info.Name, err)
	}
	w.next++
	return nil
}

// StreamTensor invokes copyFn with the destination for the next declared
// tensor's payload, for callers that copy directly from a source file. The
// number of bytes copied must match the declaration.
func (w *Writer) StreamTensor(copyFn func(io.Writer) (int64, error)) error {
	if !w.started {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}
	if w.next >= len(w.declared) {
		return fmt.Errorf("stream tensor: all %d declared tensors already written", len(w.declared))
	}
	info := w.declared[w.next]
	n, err := copyFn(w.buf)
	if err != nil {
		return fmt.Errorf("stream tensor %q: %w", info.Name, err)
	}
	if uint64(n) != info.ByteSize() {
		return fmt.Errorf("stream tensor %q: copied %d bytes, declared %d",
			info.Name, n, info.ByteSize())
	}
	w.next++
	return nil
}

// Close flushes and finalizes the file, verifying every declared tensor was
// written.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if !w.started {
		// A file with no payload still needs its header.
		if err := w.writeHeader(); err != nil {
			w.f.Close()
			return err
		}
	}
	if w.next != len(w.declared) {
		w.buf.Flush()
		w.f.Close()
		os.Remove(w.path)
		return fmt.Errorf("close: wrote %d of %d declared tensors", w.next, len(w.declared))
	}
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("flush: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close safetensors file: %w", err)
	}
	return nil
}
