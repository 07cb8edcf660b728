package models

import "errors"

var (
	// ErrInvalidDimensions is returned for buffers whose stride, width or
	// height cannot describe the supplied samples.
	ErrInvalidDimensions = errors.New("invalid dimensions")

	// ErrDegenerateQuad is returned when the ordered corners collapse to a
	// destination rectangle with a zero side.
	ErrDegenerateQuad = errors.New("degenerate quadrilateral")

	ErrNotInitialized = errors.New("detector not initialized")
	ErrReleased       = errors.New("detector released")
)
