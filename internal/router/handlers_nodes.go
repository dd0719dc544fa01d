package router

import (
	"net/http"

	"infermesh/internal/envelope"
	"infermesh/internal/httpmw"
	"infermesh/internal/model"
	"infermesh/internal/registry"
)

// handleRegisterNode admits envelope-signed NodeDescriptor updates, per
// spec.md §4.3/§4.6: 400 invalid-envelope/key-id-mismatch/replay-*,
// 401 invalid-signature.
func (rt *Router) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	body, err := httpmw.ReadBody(r, 1<<20)
	if err != nil {
		writeBodyReadError(w, err)
		return
	}
	var env envelope.Envelope[registry.NodeDescriptor]
	if err := httpmw.DecodeJSON(body, &env); err != nil {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidJSON, err.Error())
		return
	}
	result := envelope.Validate(env, func(d registry.NodeDescriptor) []string {
		var errs []string
		if d.NodeID == "" {
			errs = append(errs, "missing nodeId")
		}
		return errs
	})
	if !result.OK {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidEnvelope, result.Errors)
		return
	}
	if env.KeyID != env.Payload.KeyID {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindKeyIDMismatch, nil)
		return
	}
	if kind := checkReplayAndSignature(rt, env); kind != "" {
		status := http.StatusBadRequest
		if kind == httpmw.KindInvalidSignature {
			status = http.StatusUnauthorized
		}
		httpmw.WriteError(w, status, kind, nil)
		return
	}
	rt.registry.Upsert(env.Payload)
	httpmw.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleManifest admits a self-signed capability manifest, verifying it
// against the node's own key and recording it against the relay-discovery
// policy's freshness/score thresholds.
func (rt *Router) handleManifest(w http.ResponseWriter, r *http.Request) {
	body, err := httpmw.ReadBody(r, 1<<20)
	if err != nil {
		writeBodyReadError(w, err)
		return
	}
	var env envelope.Envelope[model.Manifest]
	if err := httpmw.DecodeJSON(body, &env); err != nil {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidJSON, err.Error())
		return
	}
	result := envelope.Validate(env, func(m model.Manifest) []string {
		var errs []string
		if m.NodeID == "" {
			errs = append(errs, "missing nodeId")
		}
		return errs
	})
	if !result.OK {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidEnvelope, result.Errors)
		return
	}
	node, ok := rt.registry.Get(env.Payload.NodeID)
	if !ok || env.KeyID != node.KeyID {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindActorKeyMismatch, nil)
		return
	}
	if kind := checkReplayAndSignature(rt, env); kind != "" {
		status := http.StatusBadRequest
		if kind == httpmw.KindInvalidSignature {
			status = http.StatusUnauthorized
		}
		httpmw.WriteError(w, status, kind, nil)
		return
	}

	policy := rt.cfg.RelayAdmission
	now := rt.now()
	if policy.RequireSnapshot {
		ageMs := now.UnixMilli() - env.Payload.SnapshotAtMs
		if policy.MaxAgeMs > 0 && ageMs > policy.MaxAgeMs {
			httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidEnvelope, "manifest snapshot stale")
			return
		}
	}
	if policy.MinScore > 0 && env.Payload.BandScore < policy.MinScore {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidEnvelope, "manifest band score below minimum")
		return
	}
	rt.registry.ApplyManifest(env.Payload.NodeID, env.Payload.BandScore, env.Payload.CommittedUnits)
	httpmw.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (rt *Router) handleStakeCommit(w http.ResponseWriter, r *http.Request) {
	rt.handleStake(w, r, 1)
}

func (rt *Router) handleStakeSlash(w http.ResponseWriter, r *http.Request) {
	rt.handleStake(w, r, -1)
}

// handleStake processes /stake/commit and /stake/slash. Slash entries must
// be signed by the router's own key, per spec.md §4.6.
func (rt *Router) handleStake(w http.ResponseWriter, r *http.Request, sign float64) {
	body, err := httpmw.ReadBody(r, 1<<20)
	if err != nil {
		writeBodyReadError(w, err)
		return
	}
	var env envelope.Envelope[model.StakeEntry]
	if err := httpmw.DecodeJSON(body, &env); err != nil {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidJSON, err.Error())
		return
	}
	result := envelope.Validate(env, func(s model.StakeEntry) []string {
		var errs []string
		if s.NodeID == "" {
			errs = append(errs, "missing nodeId")
		}
		if s.AmountUnits <= 0 {
			errs = append(errs, "amountUnits must be positive")
		}
		return errs
	})
	if !result.OK {
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidEnvelope, result.Errors)
		return
	}
	if sign < 0 && env.KeyID != rt.keyPair.KeyID() {
		httpmw.WriteError(w, http.StatusUnauthorized, httpmw.KindRouterKeyMismatch, "slash must be signed by the router's own key")
		return
	}
	if kind := checkReplayAndSignature(rt, env); kind != "" {
		status := http.StatusBadRequest
		if kind == httpmw.KindInvalidSignature {
			status = http.StatusUnauthorized
		}
		httpmw.WriteError(w, status, kind, nil)
		return
	}
	rt.registry.AdjustStake(env.Payload.NodeID, sign*env.Payload.AmountUnits)
	httpmw.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeBodyReadError(w http.ResponseWriter, err error) {
	switch err {
	case httpmw.ErrBodyTooLarge:
		httpmw.WriteError(w, http.StatusRequestEntityTooLarge, httpmw.KindPayloadTooLarge, nil)
	case httpmw.ErrEmptyBody:
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindEmptyBody, nil)
	default:
		httpmw.WriteError(w, http.StatusBadRequest, httpmw.KindInvalidJSON, err.Error())
	}
}
