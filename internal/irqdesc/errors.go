package irqdesc

import "errors"

var (
	// ErrInvalidArgument reports a malformed request such as a zero count
	// or an out-of-range interrupt number.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrExists reports a collision with an existing allocation or binding.
	ErrExists = errors.New("already exists")

	// ErrNotFound reports a lookup miss. This is benign: it usually means
	// "not yet mapped".
	ErrNotFound = errors.New("not found")

	// ErrOutOfMemory reports a failed storage allocation during descriptor
	// construction.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrNoSpace reports that the virtual interrupt number space is
	// exhausted up to its hard ceiling.
	ErrNoSpace = errors.New("interrupt number space exhausted")
)
