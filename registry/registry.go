// Package registry provides the shared in-memory task store and the fixed
// worker pool that task drivers run on.
package registry

import (
	"fmt"
	"sync"

	"github.com/sublingo/sublingo-api/log"
)

type Store[T interface{}] struct {
	entries map[string]T
	mutex   sync.RWMutex
}

func NewStore[T interface{}]() *Store[T] {
	return &Store[T]{
		entries: make(map[string]T),
	}
}

func (s *Store[T]) Remove(id string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.entries, id)
}

func (s *Store[T]) Get(id string) T {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	entry, ok := s.entries[id]
	if ok {
		return entry
	}
	var zero T
	return zero
}

func (s *Store[T]) GetKeys() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

func (s *Store[T]) Store(id string, value T) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries[id] = value
}

func (s *Store[T]) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.entries)
}

// Pool runs submitted functions on a fixed number of workers. With size 0
// every submission gets its own goroutine. Panics inside a submitted
// function are recovered and logged, never taking a worker down.
type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup
	once sync.Once
}

func NewPool(size int) *Pool {
	p := &Pool{}
	if size <= 0 {
		return p
	}
	p.jobs = make(chan func(), size)
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				// nolint:errcheck
				Recovered(func() (t bool, e error) {
					job()
					return
				})
			}
		}()
	}
	return p
}

// Submit hands f to a worker, blocking when all workers are busy and the
// backlog is full. With an unbounded pool f runs on its own goroutine.
func (p *Pool) Submit(f func()) {
	if p.jobs == nil {
		// nolint:errcheck
		go Recovered(func() (t bool, e error) {
			f()
			return
		})
		return
	}
	p.jobs <- f
}

// Close stops accepting work and waits for in-flight jobs to finish.
func (p *Pool) Close() {
	if p.jobs == nil {
		return
	}
	p.once.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}

// Recovered calls f, converting a panic into a returned error.
func Recovered[T any](f func() (T, error)) (t T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.LogNoTaskID("panic in background goroutine, recovering", "err", rec)
			err = fmt.Errorf("panic in background goroutine: %v", rec)
		}
	}()
	return f()
}
