package guard

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ============================================================================
// SIGNED POLICY BUNDLES
// ============================================================================

// Checksum returns a stable digest of the policy content, independent of
// field ordering in any serialized form it travelled through.
func (p *CompliancePolicy) Checksum() string {
	data, _ := json.Marshal(struct {
		ID      string
		Name    string
		Version int
		Checks  []ComplianceCheck
	}{
		ID:      p.ID,
		Name:    p.Name,
		Version: p.Version,
		Checks:  p.Checks,
	})
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// SignedPolicyBundle carries compliance policies plus a detached ed25519
// signature per policy, keyed by policy id.
type SignedPolicyBundle struct {
	Policies   []*CompliancePolicy `json:"policies"`
	Signatures map[string]string   `json:"signatures"`
	Meta       map[string]any      `json:"meta,omitempty"`
}

// SignPolicy returns a base64 ed25519 signature over the policy id and checksum.
func SignPolicy(priv ed25519.PrivateKey, p *CompliancePolicy) (string, error) {
	data, err := json.Marshal(struct {
		ID       string
		Checksum string
	}{
		ID:       p.ID,
		Checksum: p.Checksum(),
	})
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, data)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyPolicySignature checks a signature produced by SignPolicy.
func VerifyPolicySignature(pub ed25519.PublicKey, p *CompliancePolicy, sigB64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(struct {
		ID       string
		Checksum string
	}{
		ID:       p.ID,
		Checksum: p.Checksum(),
	})
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, sig), nil
}

// SignBundle signs each policy and returns the bundle.
func SignBundle(priv ed25519.PrivateKey, policies []*CompliancePolicy) (*SignedPolicyBundle, error) {
	b := &SignedPolicyBundle{Policies: policies, Signatures: make(map[string]string)}
	for _, p := range policies {
		s, err := SignPolicy(priv, p)
		if err != nil {
			return nil, err
		}
		b.Signatures[p.ID] = s
	}
	return b, nil
}

// VerifyBundle verifies every policy signature with the given public key.
func VerifyBundle(pub ed25519.PublicKey, b *SignedPolicyBundle) (bool, error) {
	for _, p := range b.Policies {
		sig, ok := b.Signatures[p.ID]
		if !ok {
			return false, fmt.Errorf("missing signature for policy %s", p.ID)
		}
		okv, err := VerifyPolicySignature(pub, p, sig)
		if err != nil {
			return false, fmt.Errorf("bad signature for policy %s: %v", p.ID, err)
		}
		if !okv {
			return false, fmt.Errorf("bad signature for policy %s", p.ID)
		}
	}
	return true, nil
}
