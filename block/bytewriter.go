package block

import "github.com/noxer/bytewriter"

// newBoundedWriter returns an io.Writer that writes into data starting at
// byte offset, failing rather than growing the slice if the write would
// run past its end.
func newBoundedWriter(data []byte, offset int) *bytewriter.Writer {
	return bytewriter.New(data[offset:])
}
