// Package result holds a three-state lookup outcome so that "no data" and
// "could not tell" are never confused with a zero value.
package result

import (
	"errors"
	"fmt"
)

type State int

const (
	NotFound State = iota
	Found
	Failed
)

func (s State) String() string {
	switch s {
	case Found:
		return "found"
	case Failed:
		return "failed"
	}
	return "not_found"
}

// Lookup is Found(value), NotFound or Failed(err).
type Lookup[T any] struct {
	state State
	value T
	err   error
}

func Of[T any](v T) Lookup[T] {
	return Lookup[T]{state: Found, value: v}
}

func None[T any]() Lookup[T] {
	return Lookup[T]{state: NotFound}
}

func Fail[T any](err error) Lookup[T] {
	if err == nil {
		err = errors.New("unknown failure")
	}
	return Lookup[T]{state: Failed, err: err}
}

func (l Lookup[T]) State() State  { return l.state }
func (l Lookup[T]) Found() bool   { return l.state == Found }
func (l Lookup[T]) Missing() bool { return l.state == NotFound }
func (l Lookup[T]) Err() error    { return l.err }

// Get returns the value and whether it was found. A failed lookup reports
// false; callers that need to tell the two apart check Err.
func (l Lookup[T]) Get() (T, bool) {
	return l.value, l.state == Found
}

// Unwrap converts the lookup back to Go's value/error form. NotFound
// becomes ErrNotFound.
func (l Lookup[T]) Unwrap() (T, error) {
	switch l.state {
	case Found:
		return l.value, nil
	case Failed:
		var zero T
		return zero, l.err
	}
	var zero T
	return zero, ErrNotFound
}

var ErrNotFound = errors.New("not found")

func (l Lookup[T]) String() string {
	switch l.state {
	case Found:
		return fmt.Sprintf("Found(%v)", l.value)
	case Failed:
		return fmt.Sprintf("Failed(%v)", l.err)
	}
	return "NotFound"
}
