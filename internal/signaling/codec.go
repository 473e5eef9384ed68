package signaling

import (
	"github.com/pion/webrtc/v3"

	"github.com/driftchat/drift/internal/store"
)

// encodeDescription flattens a session description into the plain map
// stored in the room document's offer/answer fields.
func encodeDescription(desc webrtc.SessionDescription) map[string]any {
	return map[string]any{
		"type": desc.Type.String(),
		"sdp":  desc.SDP,
	}
}

func decodeDescription(v any) (webrtc.SessionDescription, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return webrtc.SessionDescription{}, false
	}
	typ := store.AsString(m["type"])
	sdp := store.AsString(m["sdp"])
	if typ == "" || sdp == "" {
		return webrtc.SessionDescription{}, false
	}
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(typ), SDP: sdp}, true
}

func encodeCandidate(cand webrtc.ICECandidateInit) map[string]any {
	data := map[string]any{"candidate": cand.Candidate}
	if cand.SDPMid != nil {
		data["sdpMid"] = *cand.SDPMid
	}
	if cand.SDPMLineIndex != nil {
		data["sdpMLineIndex"] = int64(*cand.SDPMLineIndex)
	}
	if cand.UsernameFragment != nil {
		data["usernameFragment"] = *cand.UsernameFragment
	}
	return data
}

func decodeCandidate(data map[string]any) (webrtc.ICECandidateInit, bool) {
	candidate, ok := data["candidate"]
	if !ok {
		return webrtc.ICECandidateInit{}, false
	}
	cand := webrtc.ICECandidateInit{Candidate: store.AsString(candidate)}
	if v, ok := data["sdpMid"]; ok {
		mid := store.AsString(v)
		cand.SDPMid = &mid
	}
	if v, ok := data["sdpMLineIndex"]; ok {
		idx := uint16(store.AsInt64(v))
		cand.SDPMLineIndex = &idx
	}
	if v, ok := data["usernameFragment"]; ok {
		frag := store.AsString(v)
		cand.UsernameFragment = &frag
	}
	return cand, true
}
