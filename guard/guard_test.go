package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoIsExclusive(t *testing.T) {
	g := New(0)
	inside := 0
	maxInside := 0
	var mu sync.Mutex

	wg := new(sync.WaitGroup)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Do(func(v *int) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				*v += 1
				time.Sleep(100 * time.Microsecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 50, With(g, func(v *int) int { return *v }))
}

func TestReleasedOnError(t *testing.T) {
	g := New("x")
	boom := errors.New("boom")
	err := g.Do(func(v *string) error { return boom })
	assert.Equal(t, boom, err)

	ok, err := g.TryDo(func(v *string) error { return nil })
	assert.True(t, ok)
	assert.NoError(t, err)
}

func TestReleasedOnPanic(t *testing.T) {
	g := New(1)
	func() {
		defer func() { recover() }()
		g.Do(func(v *int) error { panic("boom") })
	}()
	ok, _ := g.TryDo(func(v *int) error { return nil })
	assert.True(t, ok)
}

func TestAcquireHonoursContext(t *testing.T) {
	g := New(1)
	s, err := g.Acquire(context.Background())
	require.NoError(t, err)

	ok, _ := g.TryDo(func(v *int) error { return nil })
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.Release()
	s.Release()
	ok, _ = g.TryDo(func(v *int) error { return nil })
	assert.True(t, ok)
}
