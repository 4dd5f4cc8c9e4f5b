package bch

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"bchgateway/internal/errs"
)

func TestLockingScriptP2PKH(t *testing.T) {
	script, err := LockingScript("bitcoincash:qpm2qsznhks23z7629mms6s4cwef74vcwvy22gdx6a", "main")
	require.NoError(t, err)
	require.Equal(t, "76a91476a04053bda0a88bda5177b86a15c3b29f55987388ac", hex.EncodeToString(script))
}

func TestLockingScriptP2SH(t *testing.T) {
	script, err := LockingScript("bitcoincash:ppm2qsznhks23z7629mms6s4cwef74vcwvn0h829pq", "main")
	require.NoError(t, err)
	require.Equal(t, "a91476a04053bda0a88bda5177b86a15c3b29f55987387", hex.EncodeToString(script))
}

func TestLockingScriptLegacyMatchesCashAddr(t *testing.T) {
	// Both encodings of the same hash160 must yield the same script.
	fromLegacy, err := LockingScript("1BpEi6DfDAUFd7GtittLSdBeYJvcoaVggu", "main")
	require.NoError(t, err)
	fromCash, err := LockingScript("bitcoincash:qpm2qsznhks23z7629mms6s4cwef74vcwvy22gdx6a", "main")
	require.NoError(t, err)
	require.Equal(t, fromCash, fromLegacy)
}

func TestLockingScriptRejectsGarbage(t *testing.T) {
	_, err := LockingScript("not-an-address", "main")
	require.True(t, errs.HasCode(err, errs.CodeUnsupportedAddressType))
}

func TestDecodeTransactionOutputs(t *testing.T) {
	script, err := LockingScript("bitcoincash:qpm2qsznhks23z7629mms6s4cwef74vcwvy22gdx6a", "main")
	require.NoError(t, err)

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 0xffffffff}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1500, script))

	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))

	outs, err := DecodeTransaction(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Equal(t, int64(1500), outs[0].Value)
	require.Equal(t, script, outs[0].Script)
}

func TestDecodeTransactionRejectsTruncated(t *testing.T) {
	_, err := DecodeTransaction([]byte{0x01, 0x00})
	require.Error(t, err)
}
