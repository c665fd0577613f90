package audio

// Drain reads from ch until it is closed, discarding every value. It lets a
// producer that blocks on send run to completion after its consumer has
// stopped reading.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
