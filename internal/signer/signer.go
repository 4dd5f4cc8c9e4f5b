package signer

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
)

// Service holds the gateway's long-lived secp256k1 key pair and signs
// payloads for webhooks, websocket pushes and the JSON payment protocol.
type Service struct {
	Domain string

	priv *btcec.PrivateKey
	pub  []byte
}

func New(wif, domain string) (*Service, error) {
	decoded, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return nil, fmt.Errorf("decode signing wif: %w", err)
	}
	return &Service{
		Domain: domain,
		priv:   decoded.PrivKey,
		pub:    decoded.PrivKey.PubKey().SerializeCompressed(),
	}, nil
}

// Bundle is the signature attached to outbound notifications.
type Bundle struct {
	Digest        string `json:"digest"`
	SignatureType string `json:"signatureType"`
	Identity      string `json:"identity"`
	Signature     string `json:"signature"`
}

// Sign produces a detached ECDSA signature over sha256(payload), DER-encoded
// and base64'd alongside the digest.
func (s *Service) Sign(payload []byte) Bundle {
	digest := sha256.Sum256(payload)
	sig := ecdsa.Sign(s.priv, digest[:])
	return Bundle{
		Digest:        base64.StdEncoding.EncodeToString(digest[:]),
		SignatureType: "ECC",
		Identity:      s.Domain,
		Signature:     base64.StdEncoding.EncodeToString(sig.Serialize()),
	}
}

// Headers renders the signature bundle as the wire header set used by both
// the JSON payment protocol and webhook delivery.
func (s *Service) Headers(payload []byte) map[string]string {
	b := s.Sign(payload)
	return map[string]string{
		"digest":           b.Digest,
		"x-signature-type": b.SignatureType,
		"x-identity":       b.Identity,
		"x-signature":      b.Signature,
	}
}

func (s *Service) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// KeysDocument is the signing-key discovery document served at
// /signingKeys/paymentProtocol.json.
type KeysDocument struct {
	Owner          string   `json:"owner"`
	ExpirationDate string   `json:"expirationDate"`
	ValidDomains   []string `json:"validDomains"`
	PublicKeys     []string `json:"publicKeys"`
}

// Keys returns the discovery document, valid for one hour from now.
func (s *Service) Keys(now time.Time) KeysDocument {
	return KeysDocument{
		Owner:          s.Domain,
		ExpirationDate: now.Add(time.Hour).UTC().Format(time.RFC3339),
		ValidDomains:   []string{s.Domain},
		PublicKeys:     []string{s.PublicKeyHex()},
	}
}

// Verify checks a base64 DER signature over sha256(payload) against a hex
// compressed public key.
func Verify(pubKeyHex string, payload []byte, signatureB64 string) (bool, error) {
	pubBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, err
	}
	pub, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return false, err
	}
	der, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, err
	}
	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return false, err
	}
	digest := sha256.Sum256(payload)
	return sig.Verify(digest[:], pub), nil
}
