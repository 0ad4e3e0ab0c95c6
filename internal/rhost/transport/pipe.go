package transport

import "io"

// Pipe returns two connected in-memory transports. Closing either end makes
// the other end's Receive return io.EOF.
func Pipe() (*Stream, *Stream) {
	aReader, bWriter := io.Pipe()
	bReader, aWriter := io.Pipe()

	a := NewStream(aReader, aWriter, CloserFunc(func() error {
		_ = aWriter.Close()
		return aReader.CloseWithError(ErrClosed)
	}))
	b := NewStream(bReader, bWriter, CloserFunc(func() error {
		_ = bWriter.Close()
		return bReader.CloseWithError(ErrClosed)
	}))
	return a, b
}
