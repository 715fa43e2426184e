package observe

import (
	"errors"
	"fmt"

	"github.com/andybalholm/cascadia"
)

// ErrHostNotReady is returned when the document has no insertion point for
// style nodes yet (no head).
var ErrHostNotReady = errors.New("observe: host document not ready")

// ValidateSelector checks a selector with cascadia. Observe never validates:
// an invalid selector is silently ignored by the engine and never matches.
// Callers who want strict validation call this first. Browsers accept a
// wider grammar than cascadia, so a rejection here is advisory.
func ValidateSelector(selector string) error {
	if _, err := cascadia.ParseGroupWithPseudoElements(selector); err != nil {
		return fmt.Errorf("observe: invalid selector %q: %w", selector, err)
	}
	return nil
}
