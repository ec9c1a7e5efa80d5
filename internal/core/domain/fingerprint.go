package domain

import (
	"crypto/sha256"
	"encoding/hex"
)

// fingerprintSep keeps (query="a", model="bc") distinct from (query="ab", model="c"),
// and a missing provider distinct from any named one.
const fingerprintSep = byte(0x1f)

// Fingerprint derives the stable cache key for a request. It is a pure
// function of (query, model, provider) so any instance computes the same key.
func Fingerprint(prefix, query, model, provider string) string {
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{fingerprintSep})
	h.Write([]byte(model))
	h.Write([]byte{fingerprintSep})
	h.Write([]byte(provider))
	h.Write([]byte{fingerprintSep})
	return prefix + hex.EncodeToString(h.Sum(nil))
}

// RequestFingerprint is the convenience form used by the pipeline.
func (r *StreamRequest) Fingerprint(prefix string) string {
	return Fingerprint(prefix, r.Query, r.Model, r.Provider)
}
