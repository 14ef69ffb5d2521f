package artifact

import (
	"fmt"
	"strings"
	"unicode"

	"jobengine/internal/apperrors"
)

// MaxNameLength bounds artifact file names.
const MaxNameLength = 255

// ValidateName checks that name is a single path element safe to use as a
// blob key suffix and a download file name.
func ValidateName(name string) error {
	if err := validateName(name); err != nil {
		return apperrors.Validation("name", fmt.Sprintf("invalid artifact name %q: %v", name, err))
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name longer than %d bytes", MaxNameLength)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("path traversal not allowed")
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("path separators not allowed")
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("hidden files not allowed")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("control characters not allowed")
		}
	}
	return nil
}
