package imagefifo

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO_PushEvictsOldest(t *testing.T) {
	f := New(3)

	for _, p := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		_, evicted := f.Push(p)
		assert.False(t, evicted)
	}
	old, evicted := f.Push("d.jpg")
	require.True(t, evicted)
	assert.Equal(t, "a.jpg", old)

	assert.Equal(t, []string{"b.jpg", "c.jpg", "d.jpg"}, f.Snapshot())
	assert.True(t, f.Contains("c.jpg"))
	assert.False(t, f.Contains("a.jpg"))

	last, ok := f.Last()
	require.True(t, ok)
	assert.Equal(t, "d.jpg", last)
	assert.Equal(t, 3, f.Len())
	assert.Equal(t, 3, f.Cap())
}

func TestFIFO_Replace(t *testing.T) {
	f := New(2)
	f.Replace([]string{"1", "2", "3"})
	assert.Equal(t, []string{"2", "3"}, f.Snapshot())

	f.Clear()
	assert.Equal(t, 0, f.Len())
	_, ok := f.Last()
	assert.False(t, ok)
}

func TestFIFO_Metadata(t *testing.T) {
	f := New(1)
	f.SetSubDir("010625")
	f.SetCamID("CAM1")
	assert.Equal(t, "010625", f.SubDir())
	assert.Equal(t, "CAM1", f.CamID())
}

func TestFIFO_GateSerializesSequences(t *testing.T) {
	f := New(10)
	var inside, maxInside int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.With(func() error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				f.Push("img.jpg")
				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 5, f.Len())
}
