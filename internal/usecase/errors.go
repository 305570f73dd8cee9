package usecase

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable is returned by record operations while the database
// cannot be reached.
var ErrStoreUnavailable = errors.New("database not available")

// ParseError reports scorer output that carries no usable result.
type ParseError struct {
	Output string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse scorer output: %s", e.Reason)
}
