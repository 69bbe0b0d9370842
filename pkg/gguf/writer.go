package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Writer builds a GGUF v3 file. Usage mirrors the safetensors writer: add
// metadata, declare every tensor, then stream payloads in declaration order.
type Writer struct {
	f        *os.File
	path     string
	buf      *bufio.Writer
	kvs      []KV
	tensors  []*TensorInfo
	nextData uint64
	next     int
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
		return nil, fmt.Errorf("create gguf file: %w", err)
	}
	return &Writer{f: f, path: path}, nil
}

// AddKV appends a metadata entry. Entries are written in insertion order.
func (w *Writer) AddKV(kv KV) error {
	if w.started {
		return fmt.Errorf("add kv %q: writing already started", kv.Key)
	}
	w.kvs = append(w.kvs, kv)
	return nil
}

// AddString appends a string metadata entry.
func (w *Writer) AddString(key, value string) error {
	return w.AddKV(KV{Key: key, Value: Value{Type: ValueString, V: value}})
}

// AddUint32 appends a uint32 metadata entry.
func (w *Writer) AddUint32(key string, value uint32) error {
	return w.AddKV(KV{Key: key, Value: Value{Type: ValueUint32, V: value}})
}

// AddTensor declares a tensor. dims must already be in ggml order. The
// payload offset is assigned with 32-byte alignment.
func (w *Writer) AddTensor(name string, dims []uint64, typ TensorType) error {
	if w.started {
		return fmt.Errorf("add tensor %q: writing already started", name)
	}
	info := &TensorInfo{Name: name, Dims: dims, Type: typ, Offset: w.nextData}
	size, err := info.ByteSize()
	if err != nil {
		return fmt.Errorf("add tensor %q: %w", name, err)
	}
	w.nextData = align32(w.nextData + size)
	w.tensors = append(w.tensors, info)
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeValue(w io.Writer, v Value) error {
	switch v.Type {
	case ValueUint8, ValueInt8, ValueUint16, ValueInt16, ValueUint32, ValueInt32,
		ValueFloat32, ValueUint64, ValueInt64, ValueFloat64:
		return binary.Write(w, binary.LittleEndian, v.V)
	case ValueBool:
		b := uint8(0)
		if v.V.(bool) {
			b = 1
		}
		return binary.Write(w, binary.LittleEndian, b)
	case ValueString:
		return writeString(w, v.V.(string))
	case ValueArray:
		elems := v.V.([]Value)
		if err := binary.Write(w, binary.LittleEndian, uint32(v.Elem)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(len(elems))); err != nil {
			return err
		}
		for _, e := range elems {
			if err := writeValue(w, e); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported metadata value type %d", v.Type)
	}
}

// writeHeader emits the header, metadata, tensor infos and the padding that
// aligns the start of the data region.
func (w *Writer) writeHeader() error {
	w.buf = bufio.NewWriterSize(w.f, 1<<20)

	for _, v := range []interface{}{Magic, Version, uint64(len(w.tensors)), uint64(len(w.kvs))} {
		if err := binary.Write(w.buf, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	for _, kv := range w.kvs {
		if err := writeString(w.buf, kv.Key); err != nil {
			return fmt.Errorf("write metadata key %q: %w", kv.Key, err)
		}
		if err := binary.Write(w.buf, binary.LittleEndian, uint32(kv.Value.Type)); err != nil {
			return fmt.Errorf("write metadata type for %q: %w", kv.Key, err)
		}
		if err := writeValue(w.buf, kv.Value); err != nil {
			return fmt.Errorf("write metadata value for %q: %w", kv.Key, err)
		}
	}

	pos := uint64(24)
	for _, kv := range w.kvs {
		pos += 8 + uint64(len(kv.Key)) + 4 + valueSize(kv.Value)
	}
	for _, info := range w.tensors {
		if err := writeString(w.buf, info.Name); err != nil {
			return fmt.Errorf("write tensor name %q: %w", info.Name, err)
		}
		if err := binary.Write(w.buf, binary.LittleEndian, uint32(len(info.Dims))); err != nil {
			return fmt.Errorf("write dims count for %q: %w", info.Name, err)
		}
		for _, d := range info.Dims {
			if err := binary.Write(w.buf, binary.LittleEndian, d); err != nil {
				return fmt.Errorf("write dim for %q: %w", info.Name, err)
			}
		}
		if err := binary.Write(w.buf, binary.LittleEndian, uint32(info.Type)); err != nil {
			return fmt.Errorf("write type for %q: %w", info.Name, err)
		}
		if err := binary.Write(w.buf, binary.LittleEndian, info.Offset); err != nil {
			return fmt.Errorf("write offset for %q: %w", info.Name, err)
		}
		pos += 8 + uint64(len(info.Name)) + 4 + 8*uint64(len(info.Dims)) + 4 + 8
	}

	// Pad so tensor data begins on an aligned boundary.
	if pad := align32(pos) - pos; pad > 0 {
		if _, err := w.buf.Write(make([]byte, pad)); err != nil {
			return fmt.Errorf("write alignment padding: %w", err)
		}
	}

	w.started = true
	return nil
}

// valueSize returns the encoded size of a metadata value in bytes.
func valueSize(v Value) uint64 {
	switch v.Type {
	case ValueUint8, ValueInt8, ValueBool:
		return 1
	case ValueUint16, ValueInt16:
		return 2
	case ValueUint32, ValueInt32, ValueFloat32:
		return 4
	case ValueUint64, ValueInt64, ValueFloat64:
		return 8
	case ValueString:
		return 8 + uint64(len(v.V.(string)))
	case ValueArray:
		n := uint64(12)
		for _, e := range v.V.([]Value) {
			n += valueSize(e)
		}
		return n
	default:
		return 0
	}
}

// WriteTensorData writes the payload for the next declared tensor, padding
// to the alignment boundary afterwards.
func (w *Writer) WriteTensorData(data []byte) error {
	if !w.started {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}
	if w.next >= len(w.tensors) {
		return fmt.Errorf("write tensor data: all %d declared tensors already written", len(w.tensors))
	}
	info := w.tensors[w.next]
	size, err := info.ByteSize()
	if err != nil {
		return err
	}
	if uint64(len(data)) != size {
		return fmt.Errorf("write tensor %q: got %d bytes, expected %d", info.Name, len(data), size)
	}
	if _, err := w.buf.Write(data); err != nil {
		return fmt.Errorf("write tensor %q: %w", info.Name, err)
	}
	if pad := align32(size) - size; pad > 0 {
		if _, err := w.buf.Write(make([]byte, pad)); err != nil {
			return fmt.Errorf("write tensor padding for %q: %w", info.Name, err)
		}
	}
	w.next++
	return nil
}

// Close flushes and finalizes the file, verifying every declared tensor was
// written. An incomplete file is removed.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if !w.started {
		if err := w.writeHeader(); err != nil {
			w.f.Close()
			return err
		}
	}
	if w.next != len(w.tensors) {
		w.buf.Flush()
		w.f.Close()
		os.Remove(w.path)
		return fmt.Errorf("close: wrote %d of %d declared tensors", w.next, len(w.tensors))
	}
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("flush: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("close gguf file: %w", err)
	}
	return nil
}
