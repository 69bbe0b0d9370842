package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

// maxHeaderSize bounds the JSON header to keep a corrupt length prefix from
// driving a huge allocation. Real SDXL checkpoints carry headers well under
// a few megabytes.
const maxHeaderSize = 256 << 20

// File is an open safetensors file with lazily accessible tensor data.
type File struct {
	f         *os.File
	path      string
	dataStart int64
	dataSize  int64
	tensors   map[string]*TensorInfo
	names     []string
	metadata  map[string]string
}

type headerEntry struct {
	DType       DType     `json:"dtype"`
	Shape       []uint64  `json:"shape"`
	DataOffsets [2]uint64 `json:"data_offsets"`
}

// Open parses the header of the safetensors file at path. Tensor payloads are
// read on demand, so opening a multi-gigabyte checkpoint is cheap.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open safetensors file: %w", err)
	}
	st, err := parse(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	return st, nil
}

func parse(f *os.File, path string) (*File, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat safetensors file: %w", err)
	}
	if stat.Size() < 8 {
		return nil, fmt.Errorf("%w: file too small for header length", ErrCorruptHeader)
	}

	var headerLen uint64
	if err := binary.Read(f, binary.LittleEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	if headerLen > maxHeaderSize {
		return nil, fmt.Errorf("%w: header length %d exceeds limit", ErrCorruptHeader, headerLen)
	}
	if int64(headerLen) > stat.Size()-8 {
		return nil, fmt.Errorf("%w: header length %d exceeds file size", ErrCorruptHeader, headerLen)
	}

	raw := make([]byte, headerLen)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}

	st := &File{
		f:         f,
		path:      path,
		dataStart: 8 + int64(headerLen),
		dataSize:  stat.Size() - 8 - int64(headerLen),
		tensors:   make(map[string]*TensorInfo, len(header)),
	}

	for name, msg := range header {
		if name == "__metadata__" {
			if err := json.Unmarshal(msg, &st.metadata); err != nil {
				return nil, fmt.Errorf("%w: bad __metadata__: %v", ErrCorruptHeader, err)
			}
			continue
		}
		var entry headerEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, fmt.Errorf("%w: bad entry for tensor %q: %v", ErrCorruptHeader, name, err)
		}
		info := &TensorInfo{
			Name:  name,
			DType: entry.DType,
			Shape: entry.Shape,
			begin: entry.DataOffsets[0],
			end:   entry.DataOffsets[1],
		}
		if err := info.validate(); err != nil {
			return nil, err
		}
		if int64(info.end) > st.dataSize {
			return nil, fmt.Errorf("%w: tensor %q extends past end of file", ErrCorruptHeader, name)
		}
		st.tensors[name] = info
		st.names = append(st.names, name)
	}

	// Order tensors by their position in the data region, which is the order
	// the writer laid them out in.
	sort.Slice(st.names, func(i, j int) bool {
		return st.tensors[st.names[i]].begin < st.tensors[st.names[j]].begin
	})

	if err := st.checkContiguous(); err != nil {
		return nil, err
	}
	return st, nil
}

// checkContiguous verifies the data region is exactly covered by the declared
// tensors, with no gaps or overlaps.
func (s *File) checkContiguous() error {
	var cursor uint64
	for _, name := range s.names {
		info := s.tensors[name]
		if info.begin != cursor {
			return fmt.Errorf("%w: tensor %q begins at %d, expected %d",
				ErrCorruptHeader, name, info.begin, cursor)
		}
		cursor = info.end
	}
	if int64(cursor) != s.dataSize {
		return fmt.Errorf("%w: data region is %d bytes but tensors cover %d",
			ErrCorruptHeader, s.dataSize, cursor)
	}
	return nil
}

// Close releases the underlying file.
func (s *File) Close() error {
	return s.f.Close()
}

// Path returns the path the file was opened from.
func (s *File) Path() string {
	return s.path
}

// Names returns tensor names ordered by their position in the data region.
func (s *File) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Metadata returns the optional __metadata__ map, which may be nil.
func (s *File) Metadata() map[string]string {
	return s.metadata
}

// Tensor returns info for the named tensor.
func (s *File) Tensor(name string) (*TensorInfo, error) {
	info, ok := s.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTensorNotFound, name)
	}
	return info, nil
}

// ReadTensor reads the full payload of the named tensor into memory.
func (s *File) ReadTensor(name string) ([]byte, error) {
	info, err := s.Tensor(name)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.ByteSize())
	if _, err := s.f.ReadAt(buf, s.dataStart+int64(info.begin)); err != nil {
		return nil, fmt.Errorf("read tensor %q: %w", name, err)
	}
	return buf, nil
}

// CopyTensor streams the payload of the named tensor to w.
func (s *File) CopyTensor(name string, w io.Writer) (int64, error) {
	info, err := s.Tensor(name)
	if err != nil {
		return 0, err
	}
	r := io.NewSectionReader(s.f, s.dataStart+int64(info.begin), int64(info.ByteSize()))
	n, err := io.Copy(w, r)
	if err != nil {
		return n, fmt.Errorf("copy tensor %q: %w", name, err)
	}
	return n, nil
}
