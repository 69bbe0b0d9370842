package gguf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrBadMagic           = errors.New("not a GGUF file")
	ErrUnsupportedVersion = errors.New("unsupported GGUF version")
)

// File is a parsed GGUF file. Metadata order and tensor order are preserved
// so the file can be rewritten faithfully during requantization.
type File struct {
	f       *os.File
	path    string
	version uint32

	KVs     []KV
	Tensors []*TensorInfo

	dataOffset int64
}

// Open parses the header, metadata and tensor infos of the GGUF file at
// path. Tensor payloads are read on demand.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open gguf file: %w", err)
	}
	g, err := parse(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return g, nil
}

func parse(f *os.File, path string) (*File, error) {
	r := bufio.NewReaderSize(f, 1<<20)
	g := &File{f: f, path: path}

	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("read magic: %w", err)
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: magic 0x%08x", ErrBadMagic, magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &g.version); err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	if g.version < 2 || g.version > 3 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, g.version)
	}

	var tensorCount, kvCount uint64
	if err := binary.Read(r, binary.LittleEndian, &tensorCount); err != nil {
		return nil, fmt.Errorf("read tensor count: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &kvCount); err != nil {
		return nil, fmt.Errorf("read kv count: %w", err)
	}

	for i := uint64(0); i < kvCount; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("read metadata key %d: %w", i, err)
		}
		var vt uint32
		if err := binary.Read(r, binary.LittleEndian, &vt); err != nil {
			return nil, fmt.Errorf("read metadata type for %q: %w", key, err)
		}
		v, err := readValue(r, ValueType(vt))
		if err != nil {
			return nil, fmt.Errorf("read metadata value for %q: %w", key, err)
		}
		g.KVs = append(g.KVs, KV{Key: key, Value: v})
	}

	for i := uint64(0); i < tensorCount; i++ {
		info := &TensorInfo{}
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("read tensor name %d: %w", i, err)
		}
		info.Name = name
		var nDims uint32
		if err := binary.Read(r, binary.LittleEndian, &nDims); err != nil {
			return nil, fmt.Errorf("read dims count for %q: %w", name, err)
		}
		if nDims > 8 {
			return nil, fmt.Errorf("tensor %q has implausible dimension count %d", name, nDims)
		}
		info.Dims = make([]uint64, nDims)
		for j := range info.Dims {
			if err := binary.Read(r, binary.LittleEndian, &info.Dims[j]); err != nil {
				return nil, fmt.Errorf("read dim for %q: %w", name, err)
			}
		}
		if err := binary.Read(r, binary.LittleEndian, (*uint32)(&info.Type)); err != nil {
			return nil, fmt.Errorf("read type for %q: %w", name, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &info.Offset); err != nil {
			return nil, fmt.Errorf("read offset for %q: %w", name, err)
		}
		g.Tensors = append(g.Tensors, info)
	}

	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("locate data region: %w", err)
	}
	pos -= int64(r.Buffered())
	g.dataOffset = int64(align32(uint64(pos)))
	return g, nil
}

func readString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > 1<<30 {
		return "", fmt.Errorf("string length %d too large", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readValue(r io.Reader, vt ValueType) (Value, error) {
	read := func(v interface{}) error {
		return binary.Read(r, binary.LittleEndian, v)
	}
	switch vt {
	case ValueUint8:
		var v uint8
		if err := read(&v); err != nil {
			return Value{}, err
		}
		return Value{Type: vt, V: v}, nil
	case ValueInt8:
		var v int8
		if err := read(&v); err != nil {
			return Value{}, err
		}
		return Value{Type: vt, V: v}, nil
	case ValueUint16:
		var v uint16
		if err := read(&v); err != nil {
			return Value{}, err
		}
		return Value{Type: vt, V: v}, nil
	case ValueInt16:
		var v int16
		if err := read(&v); err != nil {
			return Value{}, err
		}
		return Value{Type: vt, V: v}, nil
	case ValueUint32:
		var v uint32
		if err := read(&v); err != nil {
			return Value{}, err
		}
		return Value{Type: vt, V: v}, nil
	case ValueInt32:
		var v int32
		if err := read(&v); err != nil {
			return Value{}, err
		}
		return Value{Type: vt, V: v}, nil
	case ValueFloat32:
		var v float32
		if err := read(&v); err != nil {
			return Value{}, err
		}
		return Value{Type: vt, V: v}, nil
	case ValueUint64:
		var v uint64
		if err := read(&v); err != nil {
			return Value{}, err
		}
		return Value{Type: vt, V: v}, nil
	case ValueInt64:
		var v int64
		if err := read(&v); err != nil {
			return Value{}, err
		}
		return Value{Type: vt, V: v}, nil
	case ValueFloat64:
		var v float64
		if err := read(&v); err != nil {
			return Value{}, err
		}
		return Value{Type: vt, V: v}, nil
	case ValueBool:
		var v uint8
		if err := read(&v); err != nil {
			return Value{}, err
		}
		return Value{Type: vt, V: v != 0}, nil
	case ValueString:
		s, err := readString(r)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: vt, V: s}, nil
	case ValueArray:
		var elem uint32
		if err := binary.Read(r, binary.LittleEndian, &elem); err != nil {
			return Value{}, err
		}
		var n uint64
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Value{}, err
		}
		if n > 1<<28 {
			return Value{}, fmt.Errorf("array length %d too large", n)
		}
		elems := make([]Value, n)
		for i := range elems {
			v, err := readValue(r, ValueType(elem))
			if err != nil {
				return Value{}, err
			}
			elems[i] = v
		}
		return Value{Type: vt, Elem: ValueType(elem), V: elems}, nil
	default:
		return Value{}, fmt.Errorf("unsupported metadata value type %d", vt)
	}
}

// Close releases the underlying file.
func (g *File) Close() error {
	return g.f.Close()
}

// Path returns the path the file was opened from.
func (g *File) Path() string {
	return g.path
}

// Version returns the container version.
func (g *File) Version() uint32 {
	return g.version
}

// KV returns the metadata value for key, if present.
func (g *File) KV(key string) (Value, bool) {
	for _, kv := range g.KVs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return Value{}, false
}

// StringKV returns the string metadata value for key, or "".
func (g *File) StringKV(key string) string {
	v, ok := g.KV(key)
	if !ok {
		return ""
	}
	s, _ := v.V.(string)
	return s
}

// Uint32KV returns the uint32 metadata value for key, or 0.
func (g *File) Uint32KV(key string) uint32 {
	v, ok := g.KV(key)
	if !ok {
		return 0
	}
	u, _ := v.V.(uint32)
	return u
}

// ReadTensorData reads the full payload of the given tensor.
func (g *File) ReadTensorData(info *TensorInfo) ([]byte, error) {
	size, err := info.ByteSize()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := g.f.ReadAt(buf, g.dataOffset+int64(info.Offset)); err != nil {
		return nil, fmt.Errorf("read tensor %q: %w", info.Name, err)
	}
	return buf, nil
}
