package testcase

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	MaxNameSize = 1000    // upper bound of a single element name
	MaxDataSize = 1000000 // upper bound of a single element data field
	MaxFileSize = 1000000 // upper bound of a whole serialized test case
)

// ErrCorrupt marks serialized test cases violating the size invariants
var ErrCorrupt = errors.New("corrupted test case")

// Element is one concrete assignment of a symbolic variable (a file, an argument, stdin...)
type Element struct {
	Name []byte
	Data []byte
}

func NewElement(name string, data []byte) Element {
	d := make([]byte, len(data))
	copy(d, data)
	return Element{Name: []byte(name), Data: d}
}

func (e Element) String() string {
	return fmt.Sprintf("%s[%d]", e.Name, len(e.Data))
}

// TestCase is an ordered set of elements discovered by symbolic execution.
// Two test cases are the same iff their canonical serializations are identical,
// Priority does not take part in it.
type TestCase struct {
	Elements []Element
	Priority int
}

func New(elements ...Element) TestCase {
	return TestCase{Elements: elements}
}

// Bytes returns the canonical binary form
func (t TestCase) Bytes() []byte {
	buf := new(bytes.Buffer)
	t.WriteTo(buf)
	return buf.Bytes()
}

// Key is the deduplication key of the test case
func (t TestCase) Key() string {
	return string(t.Bytes())
}

func (t TestCase) Equal(other TestCase) bool {
	return bytes.Equal(t.Bytes(), other.Bytes())
}

func (t TestCase) Size() int {
	size := 4
	for _, e := range t.Elements {
		size += 8 + len(e.Name) + len(e.Data)
	}
	return size
}

func (t TestCase) String() string {
	out := fmt.Sprintf("TestCase(%d elements)", len(t.Elements))
	for i, e := range t.Elements {
		out += fmt.Sprintf("\n  %d: %s", i, e.String())
	}
	return out
}

// WriteTo writes the test case as
// uint32 count, then count x {uint32 name_len, name, uint32 data_len, data}
func (t TestCase) WriteTo(w io.Writer) (int64, error) {
	var written int64
	hdr := make([]byte, 4)
	put := func(b []byte) error {
		binary.LittleEndian.PutUint32(hdr, uint32(len(b)))
		n, err := w.Write(hdr)
		written += int64(n)
		if err != nil {
			return err
		}
		n, err = w.Write(b)
		written += int64(n)
		return err
	}

	binary.LittleEndian.PutUint32(hdr, uint32(len(t.Elements)))
	n, err := w.Write(hdr)
	written += int64(n)
	if err != nil {
		return written, err
	}
	for _, e := range t.Elements {
		if err := put(e.Name); err != nil {
			return written, err
		}
		if err := put(e.Data); err != nil {
			return written, err
		}
	}
	return written, nil
}

// Unmarshal parses the canonical binary form. Any violation of the sanity bounds,
// truncation or trailing garbage is reported as ErrCorrupt.
func Unmarshal(data []byte) (TestCase, error) {
	if len(data) > MaxFileSize {
		return TestCase{}, errors.Wrapf(ErrCorrupt, "size %d exceeds %d", len(data), MaxFileSize)
	}
	r := &reader{buf: data, order: binary.LittleEndian}
	count, err := r.uint32()
	if err != nil {
		return TestCase{}, err
	}
	// every element takes at least 9 bytes, a huge count is a broken header
	if int(count) > (len(data)-4)/9 {
		return TestCase{}, errors.Wrapf(ErrCorrupt, "element count %d does not fit in %d bytes", count, len(data))
	}
	tc := TestCase{Elements: make([]Element, 0, count)}
	for i := uint32(0); i < count; i++ {
		e, err := r.element()
		if err != nil {
			return TestCase{}, errors.Wrapf(err, "element %d", i)
		}
		tc.Elements = append(tc.Elements, e)
	}
	if r.remaining() != 0 {
		return TestCase{}, errors.Wrapf(ErrCorrupt, "%d trailing bytes", r.remaining())
	}
	return tc, nil
}

// Read consumes r up to the file size ceiling and parses the result
func Read(r io.Reader) (TestCase, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return TestCase{}, err
	}
	return Unmarshal(data)
}

func ReadFile(path string) (TestCase, error) {
	info, err := os.Stat(path)
	if err != nil {
		return TestCase{}, err
	}
	if info.Size() > MaxFileSize {
		return TestCase{}, errors.Wrapf(ErrCorrupt, "%s: size %d exceeds %d", path, info.Size(), MaxFileSize)
	}
	f, err := os.Open(path)
	if err != nil {
		return TestCase{}, err
	}
	defer f.Close()
	tc, err := Read(f)
	if err != nil {
		return TestCase{}, errors.Wrap(err, path)
	}
	return tc, nil
}

// WriteFile writes into a temporary sibling, syncs and renames it, so readers scanning
// the directory never observe a partially written test case.
func (t TestCase) WriteFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := t.WriteTo(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type reader struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) uint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, errors.Wrap(ErrCorrupt, "truncated length field")
	}
	v := r.order.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) bytes(n uint32) ([]byte, error) {
	if uint64(n) > uint64(r.remaining()) {
		return nil, errors.Wrapf(ErrCorrupt, "field of %d bytes truncated at %d", n, r.remaining())
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

func (r *reader) element() (Element, error) {
	nameLen, err := r.uint32()
	if err != nil {
		return Element{}, err
	}
	if nameLen == 0 || nameLen > MaxNameSize {
		return Element{}, errors.Wrapf(ErrCorrupt, "bad name length %d", nameLen)
	}
	name, err := r.bytes(nameLen)
	if err != nil {
		return Element{}, err
	}
	dataLen, err := r.uint32()
	if err != nil {
		return Element{}, err
	}
	if dataLen > MaxDataSize {
		return Element{}, errors.Wrapf(ErrCorrupt, "bad data length %d", dataLen)
	}
	data, err := r.bytes(dataLen)
	if err != nil {
		return Element{}, err
	}
	return Element{Name: name, Data: data}, nil
}
