package bch

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"golang.org/x/crypto/ripemd160"

	"bchgateway/internal/errs"
)

type AddressKind int

const (
	P2PKH AddressKind = iota
	P2SH
)

// Prefix returns the cashaddr human-readable prefix for a network name.
func Prefix(network string) string {
	if network == "main" {
		return "bitcoincash"
	}
	return "bchtest"
}

func chainParams(network string) *chaincfg.Params {
	if network == "main" {
		return &chaincfg.MainNetParams
	}
	return &chaincfg.TestNet3Params
}

// LockingScript classifies an address as P2PKH or P2SH and returns the
// canonical locking script. CashAddr and legacy base58 encodings are both
// accepted; anything else fails with the unsupported-address-type error.
func LockingScript(addr, network string) ([]byte, error) {
	if kind, hash, err := DecodeCashAddr(addr, Prefix(network)); err == nil {
		return scriptForHash(kind, hash)
	}

	decoded, err := btcutil.DecodeAddress(addr, chainParams(network))
	if err != nil {
		return nil, errs.UnsupportedAddressType(addr)
	}
	switch a := decoded.(type) {
	case *btcutil.AddressPubKeyHash:
		return scriptForHash(P2PKH, a.Hash160()[:])
	case *btcutil.AddressScriptHash:
		return scriptForHash(P2SH, a.Hash160()[:])
	default:
		return nil, errs.UnsupportedAddressType(addr)
	}
}

func scriptForHash(kind AddressKind, hash []byte) ([]byte, error) {
	switch kind {
	case P2PKH:
		return txscript.NewScriptBuilder().
			AddOp(txscript.OP_DUP).
			AddOp(txscript.OP_HASH160).
			AddData(hash).
			AddOp(txscript.OP_EQUALVERIFY).
			AddOp(txscript.OP_CHECKSIG).
			Script()
	case P2SH:
		return txscript.NewScriptBuilder().
			AddOp(txscript.OP_HASH160).
			AddData(hash).
			AddOp(txscript.OP_EQUAL).
			Script()
	default:
		return nil, errs.UnsupportedAddressType("")
	}
}

// Hash160 is sha256 followed by ripemd160.
func Hash160(data []byte) []byte {
	sum := sha256.Sum256(data)
	rip := ripemd160.New()
	_, _ = rip.Write(sum[:])
	return rip.Sum(nil)
}

// PubKeyAddress derives the P2PKH cashaddr for a serialized public key.
func PubKeyAddress(pubKey []byte, network string) (string, error) {
	return EncodeCashAddr(Prefix(network), P2PKH, Hash160(pubKey))
}
