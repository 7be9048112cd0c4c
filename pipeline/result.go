// Package pipeline decrypts, validates, sanitises, and transforms
// source records on their way from the store scan to the batch writer.
package pipeline

// Result is the outcome of one pipeline stage for one record. Exactly
// one of the three constructors applies: Ok carries a value onward,
// Skip drops the record and continues, Fatal aborts the partition.
type Result[T any] struct {
	Value T
	Skip  error
	Fatal error
}

// Ok wraps a successfully processed value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Skipped marks a record dropped for the given reason. The partition
// keeps going.
func Skipped[T any](reason error) Result[T] {
	return Result[T]{Skip: reason}
}

// Fatal marks a systemic failure. The partition stops.
func Fatal[T any](err error) Result[T] {
	return Result[T]{Fatal: err}
}
