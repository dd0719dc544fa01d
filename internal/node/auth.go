package node

import (
	"infermesh/internal/envelope"
	"infermesh/internal/httpmw"
)

// checkReplayAndSignature verifies env's Schnorr signature and runs the
// replay check against the node's nonce store, returning the first
// httpmw.Kind that failed, or "" if both passed. Mirrors
// internal/router/auth.go's helper of the same name; kept as a separate
// free function per package since Go methods cannot carry their own type
// parameters.
func checkReplayAndSignature[T any](n *Node, env envelope.Envelope[T]) httpmw.Kind {
	if !envelope.Verify(env) {
		return httpmw.KindInvalidSignature
	}
	if err := envelope.CheckReplay(env, n.nonces, n.now(), envelope.ReplayWindow); err != nil {
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
