package payments

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"bchgateway/internal/models"
)

const (
	addrMain  = "bitcoincash:qpm2qsznhks23z7629mms6s4cwef74vcwvy22gdx6a"
	scriptHex = "76a91476a04053bda0a88bda5177b86a15c3b29f55987388ac"
	otherHex  = "76a914f5bf48b397dae70be82b3cca4793f8eb2b6cdac988ac"
)

func rawTx(t *testing.T, outs ...models.Output) []byte {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0xffffffff}, nil, nil))
	for _, out := range outs {
		script, err := hex.DecodeString(out.Script)
		require.NoError(t, err)
		tx.AddTxOut(wire.NewTxOut(out.Amount, script))
	}
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return buf.Bytes()
}

func invoiceWith(outs ...models.Output) *models.Invoice {
	return &models.Invoice{ID: "inv-1", Network: "main", Outputs: outs}
}

func TestResolveScriptPrefersScript(t *testing.T) {
	script, err := ResolveScript(models.Output{Script: scriptHex}, "main")
	require.NoError(t, err)
	require.Equal(t, scriptHex, hex.EncodeToString(script))
}

func TestResolveScriptFromAddress(t *testing.T) {
	script, err := ResolveScript(models.Output{Address: addrMain}, "main")
	require.NoError(t, err)
	require.Equal(t, scriptHex, hex.EncodeToString(script))
}

func TestResolveScriptRequiresOne(t *testing.T) {
	_, err := ResolveScript(models.Output{}, "main")
	require.Error(t, err)
}

func TestMatchesExactPayment(t *testing.T) {
	inv := invoiceWith(models.Output{Amount: 1000, Script: scriptHex})
	ok, err := Matches(inv, [][]byte{rawTx(t, models.Output{Amount: 1000, Script: scriptHex})})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMatchesIgnoresChange(t *testing.T) {
	inv := invoiceWith(models.Output{Amount: 1000, Script: scriptHex})
	ok, err := Matches(inv, [][]byte{rawTx(t,
		models.Output{Amount: 1000, Script: scriptHex},
		models.Output{Amount: 99999, Script: otherHex},
	)})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMatchesWrongAmount(t *testing.T) {
	inv := invoiceWith(models.Output{Amount: 1000, Script: scriptHex})
	ok, err := Matches(inv, [][]byte{rawTx(t, models.Output{Amount: 999, Script: scriptHex})})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMatchesWrongScript(t *testing.T) {
	inv := invoiceWith(models.Output{Amount: 1000, Script: scriptHex})
	ok, err := Matches(inv, [][]byte{rawTx(t, models.Output{Amount: 1000, Script: otherHex})})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMatchesDuplicateOutputsEachNeedPayment(t *testing.T) {
	inv := invoiceWith(
		models.Output{Amount: 1000, Script: scriptHex},
		models.Output{Amount: 1000, Script: scriptHex},
	)

	ok, err := Matches(inv, [][]byte{rawTx(t, models.Output{Amount: 1000, Script: scriptHex})})
	require.NoError(t, err)
	require.False(t, ok, "one payment must not satisfy two identical outputs")

	ok, err = Matches(inv, [][]byte{rawTx(t,
		models.Output{Amount: 1000, Script: scriptHex},
		models.Output{Amount: 1000, Script: scriptHex},
	)})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMatchesAcrossTransactionsAnyOrder(t *testing.T) {
	inv := invoiceWith(
		models.Output{Amount: 1000, Script: scriptHex},
		models.Output{Amount: 2000, Script: otherHex},
	)
	first := rawTx(t, models.Output{Amount: 2000, Script: otherHex})
	second := rawTx(t, models.Output{Amount: 1000, Script: scriptHex})

	ok, err := Matches(inv, [][]byte{first, second})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Matches(inv, [][]byte{second, first})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMatchesAddressOutputAgainstScript(t *testing.T) {
	inv := invoiceWith(models.Output{Amount: 1000, Address: addrMain})
	ok, err := Matches(inv, [][]byte{rawTx(t, models.Output{Amount: 1000, Script: scriptHex})})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMatchesUndecodableTransaction(t *testing.T) {
	inv := invoiceWith(models.Output{Amount: 1000, Script: scriptHex})
	_, err := Matches(inv, [][]byte{{0xde, 0xad}})
	require.Error(t, err)
}
