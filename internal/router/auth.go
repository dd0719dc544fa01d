package router

import (
	"infermesh/internal/envelope"
	"infermesh/internal/httpmw"
)

// checkReplayAndSignature verifies env's Schnorr signature and runs the
// replay check against the router's nonce store, returning the first
// httpmw.Kind that failed, or "" if both passed. A free function rather
// than a method because Go methods cannot carry their own type
// parameters, and each handler's envelope payload type differs.
func checkReplayAndSignature[T any](rt *Router, env envelope.Envelope[T]) httpmw.Kind {
	if !envelope.Verify(env) {
		return httpmw.KindInvalidSignature
	}
	if err := envelope.CheckReplay(env, rt.nonces, rt.now(), envelope.ReplayWindow); err != nil {
		switch err {
		case envelope.ErrNonceDuplicate:
			return httpmw.KindNonceDuplicate
		case envelope.ErrTimestampSkew:
			return httpmw.KindTimestampSkew
		default:
			return httpmw.KindInvalidEnvelope
		}
	}
	return ""
}
