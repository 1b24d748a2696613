package validation

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestValidateFilePath(t *testing.T) {
	if err := ValidateFilePath("", true); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("empty path: got %v, want ErrInvalidPath", err)
	}

	dir := t.TempDir()
	missing := filepath.Join(dir, "nope")
	if err := ValidateFilePath(missing, true); !errors.Is(err, ErrPathNotExists) {
		t.Fatalf("missing path: got %v, want ErrPathNotExists", err)
	}

	if err := ValidateFilePath(missing, false); err != nil {
		t.Fatalf("mustExist=false should not stat: %v", err)
	}

	if err := ValidateFilePath(dir, true); err != nil {
		t.Fatalf("existing dir should validate: %v", err)
	}
}

func TestValidateStringNonEmpty(t *testing.T) {
	if err := ValidateStringNonEmpty(""); !errors.Is(err, ErrEmptyString) {
		t.Fatalf("got %v, want ErrEmptyString", err)
	}
	if err := ValidateStringNonEmpty("x"); err != nil {
		t.Fatalf("non-empty should pass: %v", err)
	}
}

func TestValidateRangeInt(t *testing.T) {
	if err := ValidateRangeInt(5, 1, 10); err != nil {
		t.Fatalf("in range should pass: %v", err)
	}
	if err := ValidateRangeInt(0, 1, 10); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("below range: got %v, want ErrOutOfRange", err)
	}
	if err := ValidateRangeInt(11, 1, 10); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("above range: got %v, want ErrOutOfRange", err)
	}
}

func TestValidateOrdered(t *testing.T) {
	if err := ValidateOrdered(1, 4, 10); err != nil {
		t.Fatalf("ordered triple should pass: %v", err)
	}
	if err := ValidateOrdered(4, 1, 10); !errors.Is(err, ErrNotOrdered) {
		t.Fatalf("min>avg: got %v, want ErrNotOrdered", err)
	}
	if err := ValidateOrdered(1, 10, 4); !errors.Is(err, ErrNotOrdered) {
		t.Fatalf("avg>max: got %v, want ErrNotOrdered", err)
	}
}
