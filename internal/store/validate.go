package store

import (
	"strings"
	"unicode"

	"github.com/clapshot/clapshot-server/internal/errs"
)

const maxTitleLength = 160

// ValidateTitle implements spec §4.J's rename_video validation: trim
// whitespace, reject empty, reject longer than 160 characters, reject names
// without at least one alphanumeric character.
func ValidateTitle(title string) (string, error) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return "", errs.InvalidArgumentf("title must not be empty")
	}
	if len([]rune(trimmed)) > maxTitleLength {
		return "", errs.InvalidArgumentf("title must not exceed %d characters", maxTitleLength)
	}
	hasAlnum := false
	for _, r := range trimmed {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			hasAlnum = true
			break
		}
	}
	if !hasAlnum {
		return "", errs.InvalidArgumentf("title must contain at least one alphanumeric character")
	}
	return trimmed, nil
}
