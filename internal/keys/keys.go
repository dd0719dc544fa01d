// Package keys implements the bech32 identity format and Schnorr signing
// primitive used by the envelope scheme: public keys are "npub..." strings,
// private keys are "nsec..." strings or raw hex, and signatures are
// Schnorr-over-secp256k1 applied to a SHA-256 digest.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	// PublicPrefix is the human-readable bech32 prefix for public keys.
	PublicPrefix = "npub"
	// PrivatePrefix is the human-readable bech32 prefix for private keys.
	PrivatePrefix = "nsec"
)

// KeyPair holds a secp256k1 private key and its derived public key (the
// full point; KeyID encodes its x-only form).
type KeyPair struct {
	Private *btcec.PrivateKey
	Public  *btcec.PublicKey
}

// Generate creates a fresh random key pair.
func Generate() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("keys: generate: %w", err)
	}
	return &KeyPair{Private: priv, Public: priv.PubKey()}, nil
}

// KeyID returns the bech32 "npub..." encoding of the key pair's public key.
func (k *KeyPair) KeyID() string {
	return EncodePublic(k.Public)
}

// EncodePublic bech32-encodes an x-only secp256k1 public key as "npub...".
func EncodePublic(pub *btcec.PublicKey) string {
	xOnly := schnorr.SerializePubKey(pub)
	return mustEncode(PublicPrefix, xOnly)
}

// EncodePrivate bech32-encodes a private key as "nsec...".
func EncodePrivate(priv *btcec.PrivateKey) string {
	return mustEncode(PrivatePrefix, priv.Serialize())
}

func mustEncode(hrp string, data []byte) string {
	converted, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		panic(fmt.Sprintf("keys: convert bits: %v", err))
	}
	encoded, err := bech32.Encode(hrp, converted)
	if err != nil {
		panic(fmt.Sprintf("keys: bech32 encode: %v", err))
	}
	return encoded
}

// ParsePublicKey decodes a "npub..." identity string into an x-only secp256k1
// public key. It is the sole entry point the envelope validator uses to
// reject malformed keyIds (the wire-visible kind stays "invalid-key-id";
// the returned error carries the specific reason for logs).
func ParsePublicKey(keyID string) (*btcec.PublicKey, error) {
	hrp, data, err := decode(keyID)
	if err != nil {
		return nil, fmt.Errorf("invalid-key-id: malformed bech32: %w", err)
	}
	if hrp != PublicPrefix {
		return nil, fmt.Errorf("invalid-key-id: unexpected prefix %q", hrp)
	}
	if len(data) != 32 {
		return nil, fmt.Errorf("invalid-key-id: expected 32 bytes, got %d", len(data))
	}
	pub, err := schnorr.ParsePubKey(data)
	if err != nil {
		return nil, fmt.Errorf("invalid-key-id: not a valid point: %w", err)
	}
	return pub, nil
}

// ParsePrivateKey accepts either an "nsec..." bech32 string or a raw hex
// dump of a secp256k1 scalar, per spec.md §6.
func ParsePrivateKey(secret string) (*btcec.PrivateKey, error) {
	trimmed := strings.TrimSpace(secret)
	if strings.HasPrefix(trimmed, PrivatePrefix+"1") {
		hrp, data, err := decode(trimmed)
		if err != nil {
			return nil, fmt.Errorf("keys: malformed nsec: %w", err)
		}
		if hrp != PrivatePrefix {
			return nil, fmt.Errorf("keys: unexpected prefix %q", hrp)
		}
		if len(data) != 32 {
			return nil, fmt.Errorf("keys: expected 32-byte scalar, got %d", len(data))
		}
		priv, _ := btcec.PrivKeyFromBytes(data)
		return priv, nil
	}
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("keys: not bech32 nor hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("keys: expected 32-byte hex key, got %d bytes", len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

func decode(s string) (string, []byte, error) {
	hrp, converted, err := bech32.Decode(s)
	if err != nil {
		return "", nil, err
	}
	data, err := bech32.ConvertBits(converted, 5, 8, false)
	if err != nil {
		return "", nil, err
	}
	return hrp, data, nil
}

// Sign produces a Schnorr signature over the SHA-256 digest of msg.
func Sign(priv *btcec.PrivateKey, msg []byte) ([]byte, error) {
	if priv == nil {
		return nil, errors.New("keys: nil private key")
	}
	digest := sha256.Sum256(msg)
	sig, err := schnorr.Sign(priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("keys: sign: %w", err)
	}
	return sig.Serialize(), nil
}

// Verify checks a Schnorr signature over the SHA-256 digest of msg.
func Verify(pub *btcec.PublicKey, msg, sig []byte) bool {
	if pub == nil || len(sig) != schnorr.SignatureSize {
		return false
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	return parsed.Verify(digest[:], pub)
}
