package bch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// CashAddr shares bech32's base32 charset but uses its own 40-bit BCH
// checksum, so the btcutil bech32 codec only helps with bit regrouping.

const charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

var charsetRev [128]int8

func init() {
	for i := range charsetRev {
		charsetRev[i] = -1
	}
	for i, c := range charset {
		charsetRev[c] = int8(i)
	}
}

func polymod(values []byte) uint64 {
	c := uint64(1)
	for _, d := range values {
		c0 := c >> 35
		c = ((c & 0x07ffffffff) << 5) ^ uint64(d)
		if c0&0x01 != 0 {
			c ^= 0x98f2bc8e61
		}
		if c0&0x02 != 0 {
			c ^= 0x79b76d99e2
		}
		if c0&0x04 != 0 {
			c ^= 0xf33e5fb3c4
		}
		if c0&0x08 != 0 {
			c ^= 0xae2eabe2a8
		}
		if c0&0x10 != 0 {
			c ^= 0x1e4f43e470
		}
	}
	return c ^ 1
}

func expandPrefix(prefix string) []byte {
	out := make([]byte, len(prefix)+1)
	for i := 0; i < len(prefix); i++ {
		out[i] = prefix[i] & 0x1f
	}
	out[len(prefix)] = 0
	return out
}

// DecodeCashAddr decodes a cashaddr string into its kind and hash160. The
// prefix may be omitted from the address, in which case defaultPrefix is
// assumed for checksum verification.
func DecodeCashAddr(addr, defaultPrefix string) (AddressKind, []byte, error) {
	lower := strings.ToLower(addr)
	if addr != lower && addr != strings.ToUpper(addr) {
		return 0, nil, errors.New("cashaddr uses mixed case")
	}
	addr = lower

	prefix := defaultPrefix
	payload := addr
	if idx := strings.IndexByte(addr, ':'); idx >= 0 {
		prefix = addr[:idx]
		payload = addr[idx+1:]
	}
	if payload == "" {
		return 0, nil, errors.New("cashaddr payload is empty")
	}

	data := make([]byte, len(payload))
	for i := 0; i < len(payload); i++ {
		c := payload[i]
		if c >= 128 || charsetRev[c] < 0 {
			return 0, nil, fmt.Errorf("invalid cashaddr character %q", c)
		}
		data[i] = byte(charsetRev[c])
	}
	if len(data) <= checksumLen {
		return 0, nil, errors.New("cashaddr payload too short")
	}
	if polymod(append(expandPrefix(prefix), data...)) != 0 {
		return 0, nil, errors.New("cashaddr checksum mismatch")
	}

	decoded, err := bech32.ConvertBits(data[:len(data)-checksumLen], 5, 8, false)
	if err != nil {
		return 0, nil, err
	}
	if len(decoded) == 0 {
		return 0, nil, errors.New("cashaddr carries no payload")
	}

	version := decoded[0]
	hash := decoded[1:]
	if version&0x80 != 0 {
		return 0, nil, errors.New("cashaddr version bit is reserved")
	}
	// Only 160-bit hashes are in use on BCH.
	if version&0x07 != 0 || len(hash) != 20 {
		return 0, nil, fmt.Errorf("unsupported cashaddr hash size (%d bytes)", len(hash))
	}

	switch (version >> 3) & 0x1f {
	case 0:
		return P2PKH, hash, nil
	case 1:
		return P2SH, hash, nil
	default:
		return 0, nil, fmt.Errorf("unsupported cashaddr type %d", (version>>3)&0x1f)
	}
}

const checksumLen = 8

// EncodeCashAddr encodes a hash160 as a cashaddr with the given prefix.
func EncodeCashAddr(prefix string, kind AddressKind, hash []byte) (string, error) {
	if len(hash) != 20 {
		return "", fmt.Errorf("unsupported hash size (%d bytes)", len(hash))
	}
	var version byte
	switch kind {
	case P2PKH:
		version = 0
	case P2SH:
		version = 1 << 3
	default:
		return "", fmt.Errorf("unsupported address kind %d", kind)
	}

	payload, err := bech32.ConvertBits(append([]byte{version}, hash...), 8, 5, true)
	if err != nil {
		return "", err
	}

	data := append(expandPrefix(prefix), payload...)
	data = append(data, make([]byte, checksumLen)...)
	mod := polymod(data)

	var b strings.Builder
	b.WriteString(prefix)
	b.WriteByte(':')
	for _, v := range payload {
		b.WriteByte(charset[v])
	}
	for i := 0; i < checksumLen; i++ {
		b.WriteByte(charset[(mod>>uint(5*(checksumLen-1-i)))&0x1f])
	}
	return b.String(), nil
}
