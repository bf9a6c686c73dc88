package model

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Algorithm tags the key material backing a PublicKey / KeyPair.
type Algorithm int

const (
	AlgoSecp256k1 Algorithm = iota
	AlgoEd25519
	AlgoRSA
)

func (a Algorithm) String() string {
	switch a {
	case AlgoSecp256k1:
		return "secp256k1"
	case AlgoEd25519:
		return "ed25519"
	case AlgoRSA:
		return "rsa"
	default:
		return "unknown"
	}
}

// PublicKey is a signer entity's key, rendered `<algorithm>:<base64 encoding>`.
type PublicKey struct {
	Algorithm Algorithm
	Raw       []byte // algorithm-specific encoding: compressed secp256k1 point, raw ed25519 key, or X.509 DER RSA key
}

func (k PublicKey) String() string {
	return k.Algorithm.String() + ":" + base64.StdEncoding.EncodeToString(k.Raw)
}

// ParsePublicKey decodes the `<algorithm>:<base64>` textual form.
func ParsePublicKey(s string) (PublicKey, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return PublicKey{}, fmt.Errorf("invalid public key format: %q", s)
	}
	raw, err := base64.StdEncoding.DecodeString(s[i+1:])
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid public key encoding: %w", err)
	}
	switch s[:i] {
	case "secp256k1":
		if _, err := btcec.ParsePubKey(raw); err != nil {
			return PublicKey{}, fmt.Errorf("invalid secp256k1 public key: %w", err)
		}
		return PublicKey{Algorithm: AlgoSecp256k1, Raw: raw}, nil
	case "ed25519":
		if len(raw) != ed25519.PublicKeySize {
			return PublicKey{}, fmt.Errorf("invalid ed25519 public key length: %d", len(raw))
		}
		return PublicKey{Algorithm: AlgoEd25519, Raw: raw}, nil
	case "rsa":
		if _, err := x509.ParsePKIXPublicKey(raw); err != nil {
			return PublicKey{}, fmt.Errorf("invalid rsa public key: %w", err)
		}
		return PublicKey{Algorithm: AlgoRSA, Raw: raw}, nil
	default:
		return PublicKey{}, fmt.Errorf("unknown signer algorithm: %q", s[:i])
	}
}

// Verify reports whether signature is a valid signature of msg under k.
func (k PublicKey) Verify(msg, signature []byte) bool {
	switch k.Algorithm {
	case AlgoSecp256k1:
		pub, err := btcec.ParsePubKey(k.Raw)
		if err != nil {
			return false
		}
		sig, err := ecdsa.ParseDERSignature(signature)
		if err != nil {
			return false
		}
		digest := sha256.Sum256(msg)
		return sig.Verify(digest[:], pub)
	case AlgoEd25519:
		return ed25519.Verify(ed25519.PublicKey(k.Raw), msg, signature)
	case AlgoRSA:
		pub, err := x509.ParsePKIXPublicKey(k.Raw)
		if err != nil {
			return false
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return false
		}
		digest := sha256.Sum256(msg)
		return rsa.VerifyPKCS1v15(rsaPub, 0, digest[:], signature) == nil
	default:
		return false
	}
}

// KeyPair is a node's own private key, kept only in memory and in the
// single-row private-key table, never transmitted.
type KeyPair struct {
	Algorithm Algorithm
	Public    PublicKey
	secp      *btcec.PrivateKey
	ed        ed25519.PrivateKey
	rsaKey    *rsa.PrivateKey
}

// GenerateSecp256k1 creates a fresh secp256k1 keypair, the default
// algorithm for a node's own signer identity.
func GenerateSecp256k1() (KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		Algorithm: AlgoSecp256k1,
		Public:    PublicKey{Algorithm: AlgoSecp256k1, Raw: priv.PubKey().SerializeCompressed()},
		secp:      priv,
	}, nil
}

// GenerateEd25519 creates a fresh ed25519 keypair.
func GenerateEd25519() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		Algorithm: AlgoEd25519,
		Public:    PublicKey{Algorithm: AlgoEd25519, Raw: []byte(pub)},
		ed:        priv,
	}, nil
}

// SecretBase64 returns the private scalar base64-encoded, for persistence
// into the private-key table. Only secp256k1 keys (the only algorithm the
// node ever generates for itself) are supported.
func (kp KeyPair) SecretBase64() (string, error) {
	if kp.Algorithm != AlgoSecp256k1 || kp.secp == nil {
		return "", fmt.Errorf("secret export unsupported for algorithm %s", kp.Algorithm)
	}
	return base64.StdEncoding.EncodeToString(kp.secp.Serialize()), nil
}

// LoadSecp256k1 reconstructs a secp256k1 KeyPair from a base64-encoded
// private scalar, as read back from the private-key table on startup.
func LoadSecp256k1(secretB64 string) (KeyPair, error) {
	raw, err := base64.StdEncoding.DecodeString(secretB64)
	if err != nil {
		return KeyPair{}, err
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return KeyPair{
		Algorithm: AlgoSecp256k1,
		Public:    PublicKey{Algorithm: AlgoSecp256k1, Raw: priv.PubKey().SerializeCompressed()},
		secp:      priv,
	}, nil
}

// Sign signs msg with the keypair's private key.
func (kp KeyPair) Sign(msg []byte) ([]byte, error) {
	switch kp.Algorithm {
	case AlgoSecp256k1:
		digest := sha256.Sum256(msg)
		sig := ecdsa.Sign(kp.secp, digest[:])
		return sig.Serialize(), nil
	case AlgoEd25519:
		return ed25519.Sign(kp.ed, msg), nil
	case AlgoRSA:
		digest := sha256.Sum256(msg)
		return rsa.SignPKCS1v15(rand.Reader, kp.rsaKey, 0, digest[:])
	default:
		return nil, fmt.Errorf("sign unsupported for algorithm %s", kp.Algorithm)
	}
}
