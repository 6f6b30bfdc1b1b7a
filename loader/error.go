package loader

// Error describes a boot loader error. All loader errors must be defined as
// global variables that are pointers to the Error structure. The loader runs
// without a working heap for most of its life so errors.New and fmt.Errorf
// cannot be used on the boot path.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Generic error conditions shared by all loader modules. I/O-bearing
// operations return one of these (or a module-specific error) so callers can
// react to the condition without string matching.
var (
	// ErrNotSupported indicates that the requested operation is not
	// supported on this platform or by this driver.
	ErrNotSupported = &Error{Module: "loader", Message: "operation not supported"}

	// ErrInvalidArgument indicates that a caller-supplied argument was
	// rejected.
	ErrInvalidArgument = &Error{Module: "loader", Message: "invalid argument"}

	// ErrTimedOut indicates that a blocking operation timed out.
	ErrTimedOut = &Error{Module: "loader", Message: "operation timed out"}

	// ErrOutOfMemory indicates a failed memory allocation.
	ErrOutOfMemory = &Error{Module: "loader", Message: "out of memory"}

	// ErrNotFound indicates that the requested entry does not exist.
	ErrNotFound = &Error{Module: "loader", Message: "not found"}

	// ErrUnknownFilesystem indicates that no filesystem driver recognised
	// the device contents.
	ErrUnknownFilesystem = &Error{Module: "loader", Message: "unknown filesystem"}

	// ErrCorruptFilesystem indicates on-disk filesystem corruption.
	ErrCorruptFilesystem = &Error{Module: "loader", Message: "corrupt filesystem"}

	// ErrEndOfFile indicates a read past the end of a file.
	ErrEndOfFile = &Error{Module: "loader", Message: "end of file"}

	// ErrDeviceError indicates a hardware-level I/O failure.
	ErrDeviceError = &Error{Module: "loader", Message: "device error"}

	// ErrUnknownImage indicates that an image file is not in any format
	// known to the loader.
	ErrUnknownImage = &Error{Module: "loader", Message: "unknown image format"}

	// ErrMalformedImage indicates that an image file was recognised but
	// its contents are invalid for this platform.
	ErrMalformedImage = &Error{Module: "loader", Message: "malformed image"}

	// ErrSystemError indicates an internal loader failure.
	ErrSystemError = &Error{Module: "loader", Message: "internal system error"}
)
