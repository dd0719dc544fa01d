package httpmw

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// ErrBodyTooLarge is returned by ReadBody when the request body
// exceeds maxBytes, corresponding to the payload-too-large admission check
// (spec.md §4.7 step 1 / §4.6 register-node and infer bodies).
var ErrBodyTooLarge = errors.New("httpmw: request body exceeds limit")

// ErrEmptyBody is returned when the body has zero length.
var ErrEmptyBody = errors.New("httpmw: request body is empty")

// ReadBody reads r.Body up to maxBytes+1, reporting ErrBodyTooLarge if the
// body was truncated and ErrEmptyBody if it was empty. maxBytes<=0 means
// unlimited.
func ReadBody(r *http.Request, maxBytes int64) ([]byte, error) {
	reader := r.Body
	if maxBytes > 0 {
		limited := io.LimitReader(r.Body, maxBytes+1)
		body, err := io.ReadAll(limited)
		if err != nil {
			return nil, err
		}
		if int64(len(body)) > maxBytes {
			return nil, ErrBodyTooLarge
		}
		if len(body) == 0 {
			return nil, ErrEmptyBody
		}
		return body, nil
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}
	return body, nil
}

// DecodeJSON unmarshals body into v, reporting invalid-json style failures
// without wrapping in httpmw's own error type so callers can classify them
// directly against Kind constants.
func DecodeJSON(body []byte, v any) error {
	return json.Unmarshal(body, v)
}

// AdmissionLists is the block/mute/allow/follow shape used by both the
// router (client admission) and the node (router admission), per spec.md
// §4.6 step and §4.7 step 5.
type AdmissionLists struct {
	Block  map[string]struct{}
	Mute   map[string]struct{}
	Allow  map[string]struct{}
	Follow map[string]struct{}
}

// NewAdmissionLists builds an AdmissionLists from plain string slices.
func NewAdmissionLists(block, mute, allow, follow []string) AdmissionLists {
	return AdmissionLists{
		Block:  toSet(block),
		Mute:   toSet(mute),
		Allow:  toSet(allow),
		Follow: toSet(follow),
	}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

// Check evaluates keyID against the lists in the order spec.md §4.7 step 5
// specifies: blocked, muted, not-followed (if Follow is non-empty),
// not-allowed (if Allow is non-empty). It returns the Kind of the first
// violation, or "" if admitted.
func (a AdmissionLists) Check(keyID string, blockedKind, mutedKind, notFollowedKind, notAllowedKind Kind) Kind {
	if _, blocked := a.Block[keyID]; blocked {
		return blockedKind
	}
	if _, muted := a.Mute[keyID]; muted {
		return mutedKind
	}
	if len(a.Follow) > 0 {
		if _, followed := a.Follow[keyID]; !followed {
			return notFollowedKind
		}
	}
	if len(a.Allow) > 0 {
		if _, allowed := a.Allow[keyID]; !allowed {
			return notAllowedKind
		}
	}
	return ""
}
