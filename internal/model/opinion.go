package model

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Opinion is the unsigned payload a signer attaches to a statement: how
// certain they are, and for how long the assertion should be considered
// valid.
type Opinion struct {
	Date      Date
	Valid     uint16 // days
	Serial    uint8  // disambiguates multiple opinions issued the same day
	Certainty int8   // in [-3,3]
	Comment   string
}

// LastDate is the expiry boundary; opinions past it are garbage collected.
func (o Opinion) LastDate() Date { return o.Date.Add(o.Valid) }

// Canonical renders `date;valid;serial;certainty;percent-encoded(comment)`.
func (o Opinion) Canonical() string {
	return fmt.Sprintf("%d;%d;%d;%d;%s", int32(o.Date), o.Valid, o.Serial, o.Certainty, PercentEncode(o.Comment))
}

// SignableBytes concatenates the opinion's own canonical bytes with the
// statement's signable bytes; the signature covers both.
func (o Opinion) SignableBytes(stmt Statement) []byte {
	return append([]byte(o.Canonical()), stmt.SignableBytes()...)
}

// ParseOpinion parses the `date;valid;serial;certainty;comment` canonical
// form (the trailing signature fields, if any, are handled separately by
// ParseSignedOpinion).
func ParseOpinion(s string) (Opinion, error) {
	parts := strings.Split(s, ";")
	if len(parts) < 5 {
		return Opinion{}, fmt.Errorf("invalid opinion: %q", s)
	}
	date, err := ParseDate(parts[0])
	if err != nil {
		return Opinion{}, fmt.Errorf("invalid opinion date: %w", err)
	}
	valid, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return Opinion{}, fmt.Errorf("invalid opinion valid: %w", err)
	}
	serial, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return Opinion{}, fmt.Errorf("invalid opinion serial: %w", err)
	}
	certainty, err := strconv.ParseInt(parts[3], 10, 8)
	if err != nil || certainty < -3 || certainty > 3 {
		return Opinion{}, fmt.Errorf("invalid opinion certainty: %q", parts[3])
	}
	return Opinion{
		Date:      date,
		Valid:     uint16(valid),
		Serial:    uint8(serial),
		Certainty: int8(certainty),
		Comment:   PercentDecode(parts[4]),
	}, nil
}

// SignedOpinion bundles an opinion with the signer's public key and its
// signature over the opinion + statement bytes.
type SignedOpinion struct {
	Unsigned  Opinion
	Signer    PublicKey
	Signature []byte
}

// SignWith produces a SignedOpinion over stmt using kp.
func SignWith(o Opinion, stmt Statement, kp KeyPair) (SignedOpinion, error) {
	sig, err := kp.Sign(o.SignableBytes(stmt))
	if err != nil {
		return SignedOpinion{}, err
	}
	return SignedOpinion{Unsigned: o, Signer: kp.Public, Signature: sig}, nil
}

// Verify reports whether so's signature is valid over stmt.
func (so SignedOpinion) Verify(stmt Statement) bool {
	return so.Signer.Verify(so.Unsigned.SignableBytes(stmt), so.Signature)
}

// String appends the signature block to the opinion's canonical form:
// `;<signer>;<base64(sig)>`.
func (so SignedOpinion) String() string {
	return fmt.Sprintf("%s;%s;%s", so.Unsigned.Canonical(), so.Signer.String(), base64.StdEncoding.EncodeToString(so.Signature))
}

// ParseSignedOpinion parses the full `date;valid;serial;certainty;comment;signer;sig` form.
func ParseSignedOpinion(s string) (SignedOpinion, error) {
	parts := strings.SplitN(s, ";", 7)
	if len(parts) != 7 {
		return SignedOpinion{}, fmt.Errorf("invalid signed opinion: %q", s)
	}
	unsigned, err := ParseOpinion(strings.Join(parts[:5], ";"))
	if err != nil {
		return SignedOpinion{}, err
	}
	signer, err := ParsePublicKey(parts[5])
	if err != nil {
		return SignedOpinion{}, fmt.Errorf("invalid opinion signer: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(parts[6])
	if err != nil {
		return SignedOpinion{}, fmt.Errorf("invalid opinion signature: %w", err)
	}
	return SignedOpinion{Unsigned: unsigned, Signer: signer, Signature: sig}, nil
}

// SignedStatement bundles a statement with opinions from distinct signers.
type SignedStatement struct {
	Statement Statement
	Opinions  []SignedOpinion
}
