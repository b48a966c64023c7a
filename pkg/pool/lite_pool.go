package pool

// Pool is a strongly typed wrapper around sync.Pool with optional
// Reset() support. Objects returned from Get() are guaranteed to be the
// correct type, and if the pooled type implements Resettable it is
// zeroed on Put(). Used on the streaming hot path for segment buffers.

import (
	"reflect"
	"sync"
)

type Resettable interface {
	Reset()
}

type Pool[T any] struct {
	pool sync.Pool
	new  func() T
}

func NewLitePool[T any](newFn func() T) *Pool[T] {
	if newFn == nil {
		panic("litepool: constructor must not be nil")
	}
	// Validate early that the result is non-nil
	test := newFn()
	rv := reflect.ValueOf(any(test))
	if !rv.IsValid() {
		panic("litepool: constructor returned nil")
	}
	switch rv.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		if rv.IsNil() {
			panic("litepool: constructor returned nil")
		}
	}

	return &Pool[T]{
		pool: sync.Pool{
			New: func() any {
				v := newFn()
				if any(v) == nil {
					panic("litepool: constructor returned nil")
				}
				return v
			},
		},
		new: newFn,
	}
}

func (p *Pool[T]) Get() T {
	//nolint:forcetypeassert // safe due to validated New
	return p.pool.Get().(T)
}

func (p *Pool[T]) Put(v T) {
	if r, ok := any(v).(Resettable); ok {
		r.Reset()
	}
	p.pool.Put(v)
}
