package bch

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// TxOutput is one decoded transaction output.
type TxOutput struct {
	Value  int64
	Script []byte
}

// DecodeTransaction parses a raw serialized transaction and returns its
// outputs. BCH transactions use the pre-segwit wire format.
func DecodeTransaction(raw []byte) ([]TxOutput, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	outputs := make([]TxOutput, 0, len(tx.TxOut))
	for _, out := range tx.TxOut {
		outputs = append(outputs, TxOutput{Value: out.Value, Script: out.PkScript})
	}
	return outputs, nil
}

// DecodeTransactionHex is DecodeTransaction for hex-encoded submissions.
func DecodeTransactionHex(rawHex string) ([]TxOutput, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("decode transaction hex: %w", err)
	}
	return DecodeTransaction(raw)
}
