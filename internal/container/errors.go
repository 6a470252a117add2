package container

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	ErrInvalidSpec        = errors.New("invalid run spec")
)

// RunError wraps errors with the container run context.
type RunError struct {
	Name string // container name
	Op   string // the operation that failed
	Err  error
}

func (e *RunError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("container %s: %s: %s", e.Name, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}
