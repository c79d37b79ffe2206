package trace

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// FileName is the name under which the trace blob is handed to the concolic tool
const FileName = "trace.bin"

// Trace is an opaque record of one instrumented guest execution.
// It is never modified after construction.
type Trace struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

// New copies data into a new trace, an empty id is replaced by a random one
func New(id string, data []byte) *Trace {
	if id == "" {
		id = uuid.NewString()
	}
	d := make([]byte, len(data))
	copy(d, data)
	return &Trace{ID: id, Data: d}
}

func (t *Trace) Size() int {
	return len(t.Data)
}

// WriteDir stores the trace inside dir and returns the path of the blob
func (t *Trace) WriteDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "creating trace dir %s", dir)
	}
	p := filepath.Join(dir, FileName)
	if err := os.WriteFile(p, t.Data, 0644); err != nil {
		return "", errors.Wrapf(err, "writing trace %s", t.ID)
	}
	return p, nil
}

// Load reads a trace file, the id is the base name of the path
func Load(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &Trace{ID: filepath.Base(path), Data: data}, nil
}

// LoadDir loads every regular file of dir sorted by name
func LoadDir(dir string) ([]*Trace, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([]*Trace, 0, len(names))
	for _, n := range names {
		t, err := Load(filepath.Join(dir, n))
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}
