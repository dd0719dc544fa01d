package node

import (
	"github.com/google/uuid"

	"infermesh/internal/envelope"
)

// signEnvelope wraps payload in a freshly-nonced, node-signed envelope. A
// free function (not a method with its own type parameter) for the same
// reason as internal/router's signEnvelope: Go methods cannot carry their
// own type parameters.
func signEnvelope[T any](n *Node, payload T) (envelope.Envelope[T], error) {
	env := envelope.Build(payload, uuid.NewString(), n.now().UnixMilli(), n.keyPair.KeyID())
	return envelope.Sign(env, n.keyPair.Private)
}
