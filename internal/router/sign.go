package router

import (
	"github.com/google/uuid"

	"infermesh/internal/envelope"
)

// signEnvelope wraps payload in a freshly-nonced, router-signed envelope.
// A free function (not a method with its own type parameter) for the same
// reason as checkReplayAndSignature.
func signEnvelope[T any](rt *Router, payload T) (envelope.Envelope[T], error) {
	env := envelope.Build(payload, uuid.NewString(), rt.now().UnixMilli(), rt.keyPair.KeyID())
	return envelope.Sign(env, rt.keyPair.Private)
}
