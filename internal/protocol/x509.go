package protocol

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"fmt"
)

// X509Identity signs BIP70 payment requests with a TLS certificate so
// wallets can display a verified merchant name. Optional; without one
// requests go out with pki_type "none".
type X509Identity struct {
	chain  [][]byte
	signer crypto.Signer
}

// LoadX509Identity reads a PEM certificate chain and private key.
func LoadX509Identity(certFile, keyFile string) (*X509Identity, error) {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load x509 identity: %w", err)
	}
	signer, ok := pair.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("load x509 identity: key does not implement crypto.Signer")
	}
	switch signer.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
	default:
		return nil, fmt.Errorf("load x509 identity: unsupported key type %T", signer)
	}
	return &X509Identity{chain: pair.Certificate, signer: signer}, nil
}

// CertChain returns the DER certificates, leaf first.
func (id *X509Identity) CertChain() [][]byte {
	return id.chain
}

// Sign produces a pki signature over the serialized payment request.
func (id *X509Identity) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := id.signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("x509 sign: %w", err)
	}
	return sig, nil
}
