package ondisk

import "errors"

// ErrCorruptHeader is returned when a header's CRC does not match its
// contents, or the buffer is too short to hold a header.
var ErrCorruptHeader = errors.New("ondisk: corrupt header")

// ErrUnsupportedVersion is returned when a header's version field is not
// one this engine understands.
var ErrUnsupportedVersion = errors.New("ondisk: unsupported version")
