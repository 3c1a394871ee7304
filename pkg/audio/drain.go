package audio

// Drain reads from ch until it is closed, discarding all values. Use it when a
// consumer abandons a streaming channel early so the producing goroutine can
// finish.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
