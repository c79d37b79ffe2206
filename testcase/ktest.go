package testcase

import (
	"bytes"
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

var (
	ktestMagic  = []byte("KTEST")
	ktestLegacy = []byte("BOUT\n")
)

const ktestMaxArgs = 1024

// IsKTest reports whether data starts with a ktest header
func IsKTest(data []byte) bool {
	return bytes.HasPrefix(data, ktestMagic) || bytes.HasPrefix(data, ktestLegacy)
}

// ParseKTest converts a big-endian ktest file written by the symbolic engine.
// Only the objects are kept, the recorded command line is skipped.
func ParseKTest(data []byte) (TestCase, error) {
	if len(data) > MaxFileSize {
		return TestCase{}, errors.Wrapf(ErrCorrupt, "size %d exceeds %d", len(data), MaxFileSize)
	}
	if !IsKTest(data) {
		return TestCase{}, errors.Wrap(ErrCorrupt, "missing ktest magic")
	}
	r := &reader{buf: data, pos: len(ktestMagic), order: binary.BigEndian}

	version, err := r.uint32()
	if err != nil {
		return TestCase{}, err
	}
	numArgs, err := r.uint32()
	if err != nil {
		return TestCase{}, err
	}
	if numArgs > ktestMaxArgs {
		return TestCase{}, errors.Wrapf(ErrCorrupt, "too many args %d", numArgs)
	}
	for i := uint32(0); i < numArgs; i++ {
		n, err := r.uint32()
		if err != nil {
			return TestCase{}, err
		}
		if _, err := r.bytes(n); err != nil {
			return TestCase{}, err
		}
	}
	if version >= 2 {
		// sym_argvs, sym_argv_len
		if _, err := r.uint32(); err != nil {
			return TestCase{}, err
		}
		if _, err := r.uint32(); err != nil {
			return TestCase{}, err
		}
	}

	numObjects, err := r.uint32()
	if err != nil {
		return TestCase{}, err
	}
	if int(numObjects) > r.remaining()/9 {
		return TestCase{}, errors.Wrapf(ErrCorrupt, "object count %d does not fit", numObjects)
	}
	tc := TestCase{Elements: make([]Element, 0, numObjects)}
	for i := uint32(0); i < numObjects; i++ {
		e, err := r.element()
		if err != nil {
			return TestCase{}, errors.Wrapf(err, "object %d", i)
		}
		tc.Elements = append(tc.Elements, e)
	}
	return tc, nil
}

// ReadAnyFile decodes either a ktest file or a native test case file
func ReadAnyFile(path string) (TestCase, error) {
	info, err := os.Stat(path)
	if err != nil {
		return TestCase{}, err
	}
	if info.Size() > MaxFileSize {
		return TestCase{}, errors.Wrapf(ErrCorrupt, "%s: size %d exceeds %d", path, info.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return TestCase{}, err
	}
	var tc TestCase
	if IsKTest(data) {
		tc, err = ParseKTest(data)
	} else {
		tc, err = Unmarshal(data)
	}
	if err != nil {
		return TestCase{}, errors.Wrap(err, path)
	}
	return tc, nil
}
