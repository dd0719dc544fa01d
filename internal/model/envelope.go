package model

import "infermesh/internal/envelope"

// ToSignedReceipt flattens an Envelope[PaymentReceipt] into the concrete
// embeddable shape used inside InferenceRequest.PaymentReceipts.
func ToSignedReceipt(e envelope.Envelope[PaymentReceipt]) SignedPaymentReceipt {
	return SignedPaymentReceipt{
		Payload: e.Payload,
		Nonce:   e.Nonce,
		Ts:      e.Ts,
		KeyID:   e.KeyID,
		Sig:     e.Sig,
	}
}

// Envelope reconstructs an Envelope[PaymentReceipt] from its embedded form
// so the generic canonicalize/verify/replay helpers can operate on it.
func (s SignedPaymentReceipt) Envelope() envelope.Envelope[PaymentReceipt] {
	return envelope.Envelope[PaymentReceipt]{
		Payload: s.Payload,
		Nonce:   s.Nonce,
		Ts:      s.Ts,
		KeyID:   s.KeyID,
		Sig:     s.Sig,
	}
}
