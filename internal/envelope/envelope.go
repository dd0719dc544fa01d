// Package envelope implements the signed message wrapper shared by every
// request and response in the marketplace: canonicalization, signing,
// verification, and replay-window admission against a nonce store.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"infermesh/internal/keys"
	"infermesh/internal/noncestore"
)

// Envelope is a signed wrapper over an arbitrary payload, carrying a replay
// nonce, a millisecond timestamp, the signer's bech32 "npub..." key id, and
// a base64-encoded Schnorr signature.
type Envelope[T any] struct {
	Payload T      `json:"payload"`
	Nonce   string `json:"nonce"`
	Ts      int64  `json:"ts"`
	KeyID   string `json:"keyId"`
	Sig     string `json:"sig"`
}

// Build constructs an unsigned envelope shell.
func Build[T any](payload T, nonce string, ts int64, keyID string) Envelope[T] {
	return Envelope[T]{Payload: payload, Nonce: nonce, Ts: ts, KeyID: keyID}
}

// Sign fills in Sig by canonicalizing and signing {payload, nonce, ts, keyId}.
func Sign[T any](e Envelope[T], priv *btcec.PrivateKey) (Envelope[T], error) {
	bytesToSign, err := SigningBytes(e)
	if err != nil {
		return e, err
	}
	sig, err := keys.Sign(priv, bytesToSign)
	if err != nil {
		return e, err
	}
	e.Sig = base64.StdEncoding.EncodeToString(sig)
	return e, nil
}

// Verify reports whether e.Sig validates over e's canonical signing bytes
// under the public key decoded from e.KeyID.
func Verify[T any](e Envelope[T]) bool {
	pub, err := keys.ParsePublicKey(e.KeyID)
	if err != nil {
		return false
	}
	sigBytes, err := base64.StdEncoding.DecodeString(e.Sig)
	if err != nil {
		return false
	}
	bytesToVerify, err := SigningBytes(e)
	if err != nil {
		return false
	}
	return keys.Verify(pub, bytesToVerify, sigBytes)
}

// SigningBytes returns the canonical bytes covering {payload, nonce, ts,
// keyId}. The outer "sig" field is excluded; nested envelopes found inside
// payload keep their own "sig" intact, since a nested envelope's signature
// is part of its own content, not the outer signing surface.
func SigningBytes[T any](e Envelope[T]) ([]byte, error) {
	payloadValue, err := toCanonicalValue(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonicalize payload: %w", err)
	}
	shell := map[string]any{
		"payload": payloadValue,
		"nonce":   e.Nonce,
		"ts":      e.Ts,
		"keyId":   e.KeyID,
	}
	var buf bytes.Buffer
	if err := canonicalEncode(&buf, shell); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// toCanonicalValue round-trips an arbitrary payload through JSON so nested
// structs become map[string]any/[]any/primitive trees the canonicalizer can
// walk explicitly (per the design notes: recursive, not reflective).
func toCanonicalValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}

// canonicalEncode writes v as deterministic JSON: object keys sorted
// lexicographically, arrays in declared order, primitives as-is, with no
// insignificant whitespace. It is explicitly recursive over
// map[string]any/[]any/primitives rather than reflection-driven, so a
// nested envelope's own "sig" field is preserved untouched.
func canonicalEncode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case map[string]any:
		return canonicalEncodeObject(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalEncode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(enc)
		return nil
	}
}

func canonicalEncodeObject(buf *bytes.Buffer, obj map[string]any) error {
	keysSorted := make([]string, 0, len(obj))
	for k := range obj {
		keysSorted = append(keysSorted, k)
	}
	sort.Strings(keysSorted)
	buf.WriteByte('{')
	for i, k := range keysSorted {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		if err := canonicalEncode(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// ReplayError distinguishes the two replay-rejection reasons from §4.1.
type ReplayError string

const (
	ErrNonceDuplicate ReplayError = "nonce-duplicate"
	ErrTimestampSkew  ReplayError = "ts-skew"
)

func (e ReplayError) Error() string { return string(e) }

// ReplayWindow is the default W_replay from spec.md §3.
const ReplayWindow = 5 * time.Minute

// CheckReplay implements spec.md §4.1's replay rule: reject duplicates of an
// already-seen nonce, reject timestamps outside the window, otherwise record
// the nonce and accept.
func CheckReplay[T any](e Envelope[T], store noncestore.Store, now time.Time, window time.Duration) error {
	if window <= 0 {
		window = ReplayWindow
	}
	seen, err := store.Has(e.Nonce)
	if err != nil {
		return fmt.Errorf("envelope: check replay: %w", err)
	}
	if seen {
		return ErrNonceDuplicate
	}
	ts := time.UnixMilli(e.Ts)
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > window {
		return ErrTimestampSkew
	}
	if err := store.Add(e.Nonce, ts); err != nil {
		return fmt.Errorf("envelope: record nonce: %w", err)
	}
	return nil
}
