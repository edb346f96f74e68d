package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Validation errors
var (
	ErrPathTraversal     = errors.New("security: path traversal detected")
	ErrInvalidPath       = errors.New("security: invalid path")
	ErrPathOutsideRoot   = errors.New("security: path outside allowed root")
	ErrInvalidInput      = errors.New("security: invalid input")
	ErrInputTooLong      = errors.New("security: input exceeds maximum length")
	ErrNullByte          = errors.New("security: null byte in input")
	ErrInvalidUTF8       = errors.New("security: invalid UTF-8 encoding")
	ErrControlCharacters = errors.New("security: control characters in input")
)

// MaxIdentifierLength bounds user, exam and attempt identifiers.
const MaxIdentifierLength = 128

// PathValidator provides path validation.
type PathValidator struct {
	// AllowedRoots are the directories that paths must be within.
	AllowedRoots []string

	MaxPathLength int
}

// DefaultPathValidator returns a PathValidator with no root restriction.
func DefaultPathValidator() *PathValidator {
	return &PathValidator{MaxPathLength: 4096}
}

// ValidatePath returns the cleaned absolute path if it is safe to use.
func (v *PathValidator) ValidatePath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	if strings.Contains(path, "\x00") {
		return "", ErrNullByte
	}
	if v.MaxPathLength > 0 && len(path) > v.MaxPathLength {
		return "", fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(path), v.MaxPathLength)
	}
	if containsTraversal(path) {
		return "", ErrPathTraversal
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	if len(v.AllowedRoots) > 0 {
		within := false
		for _, root := range v.AllowedRoots {
			absRoot, err := filepath.Abs(root)
			if err != nil {
				continue
			}
			if absPath == absRoot || strings.HasPrefix(absPath, absRoot+string(os.PathSeparator)) {
				within = true
				break
			}
		}
		if !within {
			return "", ErrPathOutsideRoot
		}
	}
	return absPath, nil
}

func containsTraversal(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	return strings.Contains(strings.ToLower(path), "%2e%2e")
}

// ValidateFilename checks that name is a single, portable path element.
func ValidateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty filename", ErrInvalidInput)
	}
	if strings.Contains(name, "\x00") {
		return ErrNullByte
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: filename contains path separator", ErrInvalidInput)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: reserved filename", ErrInvalidInput)
	}
	if strings.ContainsAny(name, `<>:"|?*`) {
		return fmt.Errorf("%w: invalid characters in filename", ErrInvalidInput)
	}
	if strings.HasPrefix(name, " ") || strings.HasSuffix(name, " ") || strings.HasSuffix(name, ".") {
		return fmt.Errorf("%w: filename has leading or trailing space or dot", ErrInvalidInput)
	}
	return nil
}

// ValidateIdentifier checks a user, exam or attempt identifier received from
// configuration or the network.
func ValidateIdentifier(field, s string) error {
	switch {
	case s == "":
		return fmt.Errorf("%w: %s is empty", ErrInvalidInput, field)
	case len(s) > MaxIdentifierLength:
		return fmt.Errorf("%w: %s length %d exceeds maximum %d", ErrInputTooLong, field, len(s), MaxIdentifierLength)
	case !utf8.ValidString(s):
		return fmt.Errorf("%w: %s", ErrInvalidUTF8, field)
	case strings.Contains(s, "\x00"):
		return fmt.Errorf("%w: %s", ErrNullByte, field)
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %s", ErrControlCharacters, field)
		}
	}
	return nil
}
