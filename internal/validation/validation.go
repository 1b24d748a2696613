// Package validation holds small, dependency-free checks shared by config
// loading and CLI argument parsing.
package validation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	ErrInvalidPath   = errors.New("invalid file path")
	ErrPathNotExists = errors.New("path does not exist")
	ErrEmptyString   = errors.New("value must not be empty")
	ErrOutOfRange    = errors.New("value out of range")
	ErrNotOrdered    = errors.New("values must satisfy min <= avg <= max")
)

func ValidateFilePath(p string, mustExist bool) error {
	if p == "" {
		return ErrInvalidPath
	}
	p = filepath.Clean(p)
	if mustExist {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %v", ErrPathNotExists, err)
		}
	}
	return nil
}

func ValidateStringNonEmpty(s string) error {
	if s == "" {
		return ErrEmptyString
	}
	return nil
}

func ValidateRangeInt(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, min, max)
	}
	return nil
}

// ValidateOrdered checks min <= avg <= max, used for chunker clamp bounds.
func ValidateOrdered(min, avg, max int64) error {
	if !(min <= avg && avg <= max) {
		return fmt.Errorf("%w: got min=%d avg=%d max=%d", ErrNotOrdered, min, avg, max)
	}
	return nil
}
