package xray

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

// Reality holds the reality key material and handshake parameters shared by
// every user on this node. Clients need the public side of it to build
// connection links.
type Reality struct {
	PublicKey   string   `json:"public_key"`
	PrivateKey  string   `json:"private_key"`
	ShortIDs    []string `json:"short_ids"`
	Fingerprint string   `json:"fingerprint"`
	SNI         string   `json:"sni"`
	SPX         string   `json:"spx"`
}

// RealityParams is the public side of the reality material, served to the
// core API for building client connection links.
type RealityParams struct {
	PublicKey   string   `json:"public_key"`
	ShortIDs    []string `json:"short_ids"`
	Fingerprint string   `json:"fingerprint"`
	SNI         string   `json:"sni"`
	SPX         string   `json:"spx"`
}

// Params returns the link-building parameters. The private key stays out;
// only the xray config on this node ever needs it.
func (r *Reality) Params() RealityParams {
	return RealityParams{
		PublicKey:   r.PublicKey,
		ShortIDs:    r.ShortIDs,
		Fingerprint: r.Fingerprint,
		SNI:         r.SNI,
		SPX:         r.SPX,
	}
}

// LoadReality reads the sidecar file at path, generating and persisting
// fresh key material on first use.
func LoadReality(path string) (*Reality, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var r Reality
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parse reality file %s: %w", path, err)
		}
		return &r, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read reality file %s: %w", path, err)
	}

	r, err := NewReality()
	if err != nil {
		return nil, err
	}
	if err := saveReality(path, r); err != nil {
		return nil, err
	}
	return r, nil
}

func saveReality(path string, r *Reality) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create reality dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal reality: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write reality file %s: %w", path, err)
	}
	return nil
}

// NewReality generates an X25519 key pair and one short id, with the
// handshake parameters xray expects for a reality inbound. Keys are encoded
// the way `xray x25519` prints them: url-safe base64 without padding.
func NewReality() (*Reality, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}

	short := make([]byte, 3)
	if _, err := rand.Read(short); err != nil {
		return nil, fmt.Errorf("generate short id: %w", err)
	}

	return &Reality{
		PublicKey:   base64.RawURLEncoding.EncodeToString(pub),
		PrivateKey:  base64.RawURLEncoding.EncodeToString(priv),
		ShortIDs:    []string{hex.EncodeToString(short)},
		Fingerprint: "chrome",
		SNI:         "nltimes.nl",
		SPX:         "/",
	}, nil
}
