package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"infermesh/internal/keys"
	"infermesh/internal/noncestore"
)

type samplePayload struct {
	Foo string `json:"foo"`
	Bar int    `json:"bar"`
}

func signedSample(t *testing.T, kp *keys.KeyPair, payload samplePayload) Envelope[samplePayload] {
	t.Helper()
	e := Build(payload, uuid.NewString(), time.Now().UnixMilli(), kp.KeyID())
	signed, err := Sign(e, kp.Private)
	require.NoError(t, err)
	return signed
}

func TestSignThenVerifyRoundTrips(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)

	e := signedSample(t, kp, samplePayload{Foo: "hi", Bar: 7})
	require.True(t, Verify(e))
}

func TestVerifyFailsOnTamperedFields(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	base := signedSample(t, kp, samplePayload{Foo: "hi", Bar: 7})

	t.Run("payload", func(t *testing.T) {
		tampered := base
		tampered.Payload.Bar = 8
		require.False(t, Verify(tampered))
	})
	t.Run("nonce", func(t *testing.T) {
		tampered := base
		tampered.Nonce = tampered.Nonce + "x"
		require.False(t, Verify(tampered))
	})
	t.Run("ts", func(t *testing.T) {
		tampered := base
		tampered.Ts = tampered.Ts + 1
		require.False(t, Verify(tampered))
	})
	t.Run("keyId", func(t *testing.T) {
		other, err := keys.Generate()
		require.NoError(t, err)
		tampered := base
		tampered.KeyID = other.KeyID()
		require.False(t, Verify(tampered))
	})
}

func TestCanonicalizationIsStableUnderReserialization(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	e := signedSample(t, kp, samplePayload{Foo: "z", Bar: 1})

	b1, err := SigningBytes(e)
	require.NoError(t, err)
	wire, err := json.Marshal(e)
	require.NoError(t, err)
	var decoded Envelope[samplePayload]
	require.NoError(t, json.Unmarshal(wire, &decoded))
	b2, err := SigningBytes(decoded)
	require.NoError(t, err)
	require.Equal(t, b1, b2)
}

func TestCheckReplayRejectsDuplicateNonceWithinWindow(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	e := signedSample(t, kp, samplePayload{Foo: "a"})
	store := noncestore.NewMemory(0)
	now := time.Now()

	require.NoError(t, CheckReplay(e, store, now, ReplayWindow))
	err = CheckReplay(e, store, now.Add(time.Second), ReplayWindow)
	require.ErrorIs(t, err, ErrNonceDuplicate)
}

func TestCheckReplayRejectsTimestampOutsideWindow(t *testing.T) {
	kp, err := keys.Generate()
	require.NoError(t, err)
	e := Build(samplePayload{Foo: "a"}, uuid.NewString(), time.Now().Add(-10*time.Minute).UnixMilli(), kp.KeyID())
	signed, err := Sign(e, kp.Private)
	require.NoError(t, err)

	store := noncestore.NewMemory(0)
	err = CheckReplay(signed, store, time.Now(), ReplayWindow)
	require.ErrorIs(t, err, ErrTimestampSkew)
}

func TestValidateCatchesStructuralIssues(t *testing.T) {
	e := Envelope[samplePayload]{}
	res := Validate(e, nil)
	require.False(t, res.OK)
	require.NotEmpty(t, res.Errors)
}
