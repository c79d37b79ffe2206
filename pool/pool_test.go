package pool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/svlpsu/crete-cluster/testcase"
	"golang.org/x/exp/rand"
)

func tc(name, data string) testcase.TestCase {
	return testcase.New(testcase.NewElement(name, []byte(data)))
}

func newPool(t *testing.T, opts ...Option) *TestPool {
	p, err := New(t.TempDir(), opts...)
	require.NoError(t, err)
	return p
}

func TestInsertDeduplicates(t *testing.T) {
	p := newPool(t)
	ok, err := p.Insert(tc("stdin", "a"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Insert(tc("stdin", "a"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1, p.CountAll())
	assert.Equal(t, 1, p.CountNext())
}

func TestDuplicateAfterNextStillRejected(t *testing.T) {
	p := newPool(t)
	p.Insert(tc("stdin", "a"))
	_, ok := p.Next()
	require.True(t, ok)

	admitted, err := p.Insert(tc("stdin", "a"))
	require.NoError(t, err)
	assert.False(t, admitted)
	assert.Equal(t, 0, p.CountNext())
}

func TestNextIsNewestFirst(t *testing.T) {
	p := newPool(t)
	for i := 0; i < 3; i++ {
		p.Insert(tc("stdin", strconv.Itoa(i)))
	}
	for _, expected := range []string{"2", "1", "0"} {
		got, ok := p.Next()
		require.True(t, ok)
		assert.Equal(t, expected, string(got.Elements[0].Data))
	}
	_, ok := p.Next()
	assert.False(t, ok)
}

func TestQueueSetConsistency(t *testing.T) {
	p := newPool(t)
	r := rand.New(rand.NewSource(42))
	accepted := make(map[string]bool)

	for i := 0; i < 500; i++ {
		if r.Intn(3) == 0 {
			got, ok := p.Next()
			if ok {
				assert.True(t, accepted[got.Key()], "next returned a test case never admitted")
			}
		} else {
			c := tc("stdin", strconv.Itoa(r.Intn(50)))
			ok, err := p.Insert(c)
			require.NoError(t, err)
			if ok {
				accepted[c.Key()] = true
			}
		}
		require.LessOrEqual(t, p.CountNext(), p.CountAll())
	}
	assert.Equal(t, len(accepted), p.CountAll())
}

func TestDenseNamingRoundTrip(t *testing.T) {
	p := newPool(t)
	inserted := make([]testcase.TestCase, 0)
	for i := 0; i < 5; i++ {
		c := testcase.New(
			testcase.NewElement("argv_1", []byte(fmt.Sprintf("arg-%d", i))),
			testcase.NewElement("stdin", []byte{byte(i)}),
		)
		inserted = append(inserted, c)
		p.Insert(c)
		p.Insert(c)
	}

	entries, err := os.ReadDir(p.Dir())
	require.NoError(t, err)
	names := make([]string, 0)
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, names)

	for i, c := range inserted {
		got, err := testcase.ReadFile(filepath.Join(p.Dir(), strconv.Itoa(i)))
		require.NoError(t, err)
		assert.True(t, c.Equal(got))
	}
}

func TestInsertAllPartial(t *testing.T) {
	p := newPool(t)
	n, err := p.InsertAll([]testcase.TestCase{tc("a", "1"), tc("a", "1"), tc("a", "2")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, p.CountAll())
}

func TestPersistenceFailure(t *testing.T) {
	p := newPool(t)
	require.NoError(t, os.RemoveAll(p.Dir()))
	require.NoError(t, os.WriteFile(p.Dir(), []byte("not a dir"), 0644))

	ok, err := p.Insert(tc("a", "1"))
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrPersist))
	assert.Equal(t, 0, p.CountAll())
}

func TestNewFailsOnBadRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(root, nil, 0644))
	_, err := New(root)
	assert.True(t, errors.Is(err, ErrPersist))
}

func TestClearKeepsFiles(t *testing.T) {
	p := newPool(t)
	p.Insert(tc("a", "1"))
	p.Insert(tc("a", "2"))
	p.Clear()

	assert.Equal(t, 0, p.CountAll())
	assert.Equal(t, 0, p.CountNext())

	ok, err := p.Insert(tc("a", "1"))
	require.NoError(t, err)
	assert.True(t, ok)

	entries, err := os.ReadDir(p.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRandomSelection(t *testing.T) {
	p := newPool(t, WithRandomSelection(rand.NewSource(1)))
	for i := 0; i < 10; i++ {
		p.Insert(tc("stdin", strconv.Itoa(i)))
	}
	seen := make(map[string]bool)
	for _, c := range p.Drain() {
		seen[c.Key()] = true
	}
	assert.Len(t, seen, 10)
	assert.Equal(t, 0, p.CountNext())
	assert.Equal(t, 10, p.CountAll())
}
