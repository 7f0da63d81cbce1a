package volume

import "fmt"

// FormatError reports a missing or corrupt header, an unsupported datatype,
// or a payload that cannot be read.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid volume format: %s: %v", e.Reason, e.Err)
	}
	return "invalid volume format: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

// InvalidDimensionsError reports a zero spatial dimension.
type InvalidDimensionsError struct {
	Dims [3]int
}

func (e *InvalidDimensionsError) Error() string {
	return fmt.Sprintf("invalid volume dimensions: %dx%dx%d", e.Dims[0], e.Dims[1], e.Dims[2])
}

// IOError reports that the byte source could not deliver the volume.
type IOError struct {
	Source string
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("failed to read volume from %s: %v", e.Source, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
