package envelope

import (
	"fmt"

	"infermesh/internal/keys"
)

// ValidationResult mirrors spec.md §4.1's {ok, errors} contract.
type ValidationResult struct {
	OK     bool
	Errors []string
}

// Validate runs structural checks shared by every inbound envelope: a
// non-empty nonce, a positive timestamp, a parseable keyId, and (if
// payloadValidator is non-nil) payload-specific checks. It does not verify
// the signature or check replay; callers run those as separate steps so
// each failure can be reported with its own error kind.
func Validate[T any](e Envelope[T], payloadValidator func(T) []string) ValidationResult {
	var errs []string
	if e.Nonce == "" {
		errs = append(errs, "empty nonce")
	}
	if e.Ts <= 0 {
		errs = append(errs, "missing or non-positive ts")
	}
	if e.KeyID == "" {
		errs = append(errs, "empty keyId")
	} else if _, err := keys.ParsePublicKey(e.KeyID); err != nil {
		errs = append(errs, fmt.Sprintf("invalid keyId: %v", err))
	}
	if e.Sig == "" {
		errs = append(errs, "empty sig")
	}
	if payloadValidator != nil {
		errs = append(errs, payloadValidator(e.Payload)...)
	}
	return ValidationResult{OK: len(errs) == 0, Errors: errs}
}
