package security

import (
	"regexp"
	"strings"
	"unicode"

	apperrors "trade-connector/internal/errors"
)

var (
	// Model ids become file names, so separators and leading dots are refused.
	modelIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

	// Broker symbols: letters, digits and the suffix characters some brokers use.
	symbolPattern = regexp.MustCompile(`^[A-Z0-9._#-]{1,32}$`)
)

// ValidateModelID checks that id is safe to use as a container file name.
func ValidateModelID(id string) error {
	if id == "" {
		return apperrors.Wrap(apperrors.ErrInvalidModelID, "model id cannot be empty")
	}
	if !modelIDPattern.MatchString(id) || strings.Contains(id, "..") {
		return apperrors.Wrapf(apperrors.ErrInvalidModelID, "%q", id)
	}
	return nil
}

// ValidateSymbol checks a trading symbol after normalisation.
func ValidateSymbol(symbol string) error {
	symbol = SanitizeSymbol(symbol)
	if symbol == "" {
		return apperrors.NewValidationError("symbol", symbol, "symbol cannot be empty")
	}
	if !symbolPattern.MatchString(symbol) {
		return apperrors.NewValidationError("symbol", symbol, "invalid symbol format")
	}
	return nil
}

// SanitizeSymbol upper-cases a symbol and drops whitespace and control characters.
func SanitizeSymbol(symbol string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(symbol)) {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MaskID shortens an identifier for display.
func MaskID(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}
