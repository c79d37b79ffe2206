package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/svlpsu/crete-cluster/config"
	"github.com/svlpsu/crete-cluster/report"
	"github.com/svlpsu/crete-cluster/testcase"
)

func execute(t *testing.T, args ...string) (string, error) {
	cmd := GetRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDump(t *testing.T) {
	p := filepath.Join(t.TempDir(), "0")
	tc := testcase.New(testcase.NewElement("stdin", []byte("hi")))
	require.NoError(t, tc.WriteFile(p))

	out, err := execute(t, "dump", p)
	require.NoError(t, err)
	assert.Contains(t, out, p+": ")
	assert.Contains(t, out, tc.String())
}

func TestDumpCorrupt(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(p, []byte{1, 2}, 0644))

	_, err := execute(t, "dump", p)
	assert.True(t, errors.Is(err, testcase.ErrCorrupt))
}

func TestReport(t *testing.T) {
	dir := t.TempDir()
	h := report.NewHistory()
	h.Record(1, 1)
	h.Record(3, 4)
	require.NoError(t, h.Save(dir))

	png := filepath.Join(dir, "out.png")
	out, err := execute(t, "report", "--data", filepath.Join(dir, report.DataFile), "--out", png)
	require.NoError(t, err)
	assert.Contains(t, out, "2 samples")
	assert.FileExists(t, png)
}

func TestNodeRejectsBadConfig(t *testing.T) {
	_, err := execute(t, "node", "--root", t.TempDir(), "--capacity", "-1", "--master", "localhost:1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalid))
}

func TestMasterRejectsMissingConfig(t *testing.T) {
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "none.yaml"), "master")
	assert.True(t, errors.Is(err, config.ErrInvalid))
}
