package payments

import (
	"encoding/hex"
	"errors"

	"bchgateway/internal/bch"
	"bchgateway/internal/models"
)

// ResolveScript returns the locking script for a resolved invoice output.
// Exactly one of script/address must be present.
func ResolveScript(out models.Output, network string) ([]byte, error) {
	if out.Script != "" {
		script, err := hex.DecodeString(out.Script)
		if err != nil {
			return nil, errors.New("output script is not valid hex")
		}
		return script, nil
	}
	if out.Address != "" {
		return bch.LockingScript(out.Address, network)
	}
	return nil, errors.New("output did not contain address or script")
}

type outputKey struct {
	amount int64
	script string
}

// Matches reports whether the candidate transactions pay every output the
// invoice requires. Expected outputs form a counting multiset keyed by
// (amount, script): each decoded transaction output consumes at most one
// count, so duplicate invoice outputs must each be paid individually and the
// result does not depend on iteration order. Unrelated outputs (change) are
// ignored; amounts and scripts must match exactly.
func Matches(inv *models.Invoice, rawTxs [][]byte) (bool, error) {
	expected := make(map[outputKey]int, len(inv.Outputs))
	for _, out := range inv.Outputs {
		script, err := ResolveScript(out, inv.Network)
		if err != nil {
			return false, err
		}
		expected[outputKey{out.Amount, hex.EncodeToString(script)}]++
	}

	remaining := len(inv.Outputs)
	for _, raw := range rawTxs {
		outs, err := bch.DecodeTransaction(raw)
		if err != nil {
			return false, err
		}
		for _, out := range outs {
			k := outputKey{out.Value, hex.EncodeToString(out.Script)}
			if expected[k] > 0 {
				expected[k]--
				remaining--
			}
		}
	}
	return remaining == 0, nil
}
