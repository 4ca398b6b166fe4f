//go:build debug

package channel

// New creates a new channel
// In debug builds, this returns an unbuffered channel (ignores size) so
// ordering bugs between producers and the consumer surface early.
func New[T any](size int) Channel[T] {
	return NewUnbuffered[T]()
}
