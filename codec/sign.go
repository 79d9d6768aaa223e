package codec

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// CanonicalJSON renders payload (typically a ClusterMessage, already able to
// marshal itself via its own tagged-value handling) as sorted,
// whitespace-free JSON for signing (spec.md §6). encoding/json always
// marshals map[string]any keys in sorted order and emits no extra
// whitespace, so round-tripping payload's own marshaled form through a
// generic map/slice tree and re-marshaling it yields the canonical form —
// grounded on the HMAC-over-JSON pattern in arkeep/server's webhook sender,
// adapted here to sign the wire payload instead of an outbound HTTP body.
func CanonicalJSON(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &SerializationError{Op: "canonicalize", Err: err}
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, &SerializationError{Op: "canonicalize", Err: err}
	}
	return json.Marshal(generic)
}

// Sign computes hex(HMAC-SHA256(secret, canonicalJson(payload))).
func Sign(secret string, payload any) (string, error) {
	data, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether signature matches HMAC-SHA256(secret,
// canonicalJson(payload)), using a constant-time comparison.
func Verify(secret string, payload any, signature string) (bool, error) {
	expected, err := Sign(secret, payload)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(expected), []byte(signature)), nil
}
