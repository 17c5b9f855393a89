package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to empty a buffered stream (e.g., capture chunks or transport
// events) that nobody will consume any more, so that its producer is never
// left blocked on a send.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
