package keys

import (
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/require"
)

func TestGenerateEncodeParseRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	keyID := kp.KeyID()
	require.True(t, strings.HasPrefix(keyID, PublicPrefix+"1"))

	pub, err := ParsePublicKey(keyID)
	require.NoError(t, err)
	require.Equal(t, schnorr.SerializePubKey(kp.Public), schnorr.SerializePubKey(pub))
}

func TestPrivateKeyRoundTripBothEncodings(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)

	nsec := EncodePrivate(kp.Private)
	require.True(t, strings.HasPrefix(nsec, PrivatePrefix+"1"))
	parsed, err := ParsePrivateKey(nsec)
	require.NoError(t, err)
	require.Equal(t, kp.Private.Serialize(), parsed.Serialize())

	hexForm := hexEncode(kp.Private.Serialize())
	parsedHex, err := ParsePrivateKey(hexForm)
	require.NoError(t, err)
	require.Equal(t, kp.Private.Serialize(), parsedHex.Serialize())
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	msg := []byte("hello world")

	sig, err := Sign(kp.Private, msg)
	require.NoError(t, err)
	require.True(t, Verify(kp.Public, msg, sig))
	require.False(t, Verify(kp.Public, []byte("tampered"), sig))
}

func TestParsePublicKeyRejectsMalformed(t *testing.T) {
	_, err := ParsePublicKey("not-bech32")
	require.Error(t, err)

	kp, err := Generate()
	require.NoError(t, err)
	nsec := EncodePrivate(kp.Private)
	_, err = ParsePublicKey(nsec)
	require.Error(t, err, "nsec prefix should be rejected as a public key")
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0x0f]
	}
	return string(out)
}
