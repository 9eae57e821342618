package registry

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	s := NewStore[*int]()
	require.Nil(t, s.Get("missing"))

	v := 42
	s.Store("a", &v)
	require.Equal(t, &v, s.Get("a"))
	require.Equal(t, []string{"a"}, s.GetKeys())
	require.Equal(t, 1, s.Len())

	s.Remove("a")
	require.Nil(t, s.Get("a"))
	require.Equal(t, 0, s.Len())
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := NewStore[int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Store("key", i)
			_ = s.Get("key")
			_ = s.GetKeys()
		}(i)
	}
	wg.Wait()
}

func TestPoolRunsEverything(t *testing.T) {
	p := NewPool(3)
	var done int64
	for i := 0; i < 20; i++ {
		p.Submit(func() {
			atomic.AddInt64(&done, 1)
		})
	}
	p.Close()
	require.EqualValues(t, 20, done)
}

func TestPoolSurvivesPanic(t *testing.T) {
	p := NewPool(1)
	var done int64
	p.Submit(func() { panic("boom") })
	p.Submit(func() { atomic.AddInt64(&done, 1) })
	p.Close()
	require.EqualValues(t, 1, done)
}

func TestUnboundedPool(t *testing.T) {
	p := NewPool(0)
	ch := make(chan struct{})
	p.Submit(func() { close(ch) })
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
	p.Close()
}

func TestRecovered(t *testing.T) {
	v, err := Recovered(func() (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	require.Equal(t, 7, v)

	_, err = Recovered(func() (int, error) {
		panic("boom")
	})
	require.ErrorContains(t, err, "boom")
}
