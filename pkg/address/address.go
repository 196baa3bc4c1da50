// Package address validates and canonicalizes the address formats accepted from
// transaction feeds and label sources: base58check (P2PKH, P2SH), bech32 and
// bech32m segwit programs, and 0x-prefixed EVM accounts with optional EIP-55
// checksums.
package address

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"
)

// Kind is the address family detected by Normalize.
type Kind string

const (
	KindP2PKH   Kind = "p2pkh"
	KindP2SH    Kind = "p2sh"
	KindWitness Kind = "witness_v0"
	KindTaproot Kind = "witness_v1"
	KindEVM     Kind = "evm"
)

// Address is a validated address in canonical form.
type Address struct {
	Value string
	Kind  Kind
}

var base58Versions = map[byte]Kind{
	0x00: KindP2PKH, // mainnet
	0x05: KindP2SH,
	0x6f: KindP2PKH, // testnet / regtest
	0xc4: KindP2SH,
}

var segwitHRPs = map[string]bool{"bc": true, "tb": true, "bcrt": true}

// Normalize validates raw and returns its canonical form. Bech32 and EVM
// addresses are lower-cased; base58 addresses are case-sensitive and kept as is.
func Normalize(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Address{}, errs.Validation("address", raw, "empty")
	}

	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "0x"):
		return normalizeEVM(s)
	case hasSegwitPrefix(lower):
		return normalizeSegwit(s)
	default:
		return normalizeBase58(s)
	}
}

// Valid reports whether raw passes Normalize.
func Valid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}

func hasSegwitPrefix(lower string) bool {
	idx := strings.LastIndexByte(lower, '1')
	if idx <= 0 {
		return false
	}
	return segwitHRPs[lower[:idx]]
}

func normalizeBase58(s string) (Address, error) {
	decoded, err := base58.Decode(s)
	if err != nil {
		return Address{}, errs.Validation("address", s, "not base58")
	}
	if len(decoded) != 25 {
		return Address{}, errs.Validation("address", s, "unexpected base58 payload length")
	}
	kind, ok := base58Versions[decoded[0]]
	if !ok {
		return Address{}, errs.Validation("address", s, "unknown base58 version byte")
	}
	payload, checksum := decoded[:21], decoded[21:]
	if !bytes.Equal(checksum, doubleSHA256(payload)[:4]) {
		return Address{}, errs.Validation("address", s, "bad base58 checksum")
	}
	return Address{Value: s, Kind: kind}, nil
}

func normalizeSegwit(s string) (Address, error) {
	hrp, data, version, err := bech32.DecodeGeneric(s)
	if err != nil {
		return Address{}, errs.Validation("address", s, "bad bech32 encoding")
	}
	if !segwitHRPs[hrp] || len(data) < 1 {
		return Address{}, errs.Validation("address", s, "not a segwit address")
	}

	witnessVersion := data[0]
	program, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return Address{}, errs.Validation("address", s, "bad witness program")
	}
	if witnessVersion > 16 || len(program) < 2 || len(program) > 40 {
		return Address{}, errs.Validation("address", s, "witness program out of range")
	}

	// BIP-350: v0 uses bech32, v1+ uses bech32m.
	switch {
	case witnessVersion == 0 && version != bech32.Version0:
		return Address{}, errs.Validation("address", s, "witness v0 must use bech32")
	case witnessVersion > 0 && version != bech32.VersionM:
		return Address{}, errs.Validation("address", s, "witness v1+ must use bech32m")
	}

	kind := KindTaproot
	if witnessVersion == 0 {
		if len(program) != 20 && len(program) != 32 {
			return Address{}, errs.Validation("address", s, "witness v0 program must be 20 or 32 bytes")
		}
		kind = KindWitness
	}
	return Address{Value: strings.ToLower(s), Kind: kind}, nil
}

func normalizeEVM(s string) (Address, error) {
	body := s[2:]
	if len(body) != 40 {
		return Address{}, errs.Validation("address", s, "evm address must be 20 bytes")
	}
	if _, err := hex.DecodeString(body); err != nil {
		return Address{}, errs.Validation("address", s, "evm address is not hex")
	}
	lower := strings.ToLower(body)
	upper := strings.ToUpper(body)
	if body != lower && body != upper && body != ChecksumEVM(lower)[2:] {
		return Address{}, errs.Validation("address", s, "bad EIP-55 checksum")
	}
	return Address{Value: "0x" + lower, Kind: KindEVM}, nil
}

// ChecksumEVM renders a lower-case hex account (with or without 0x) in EIP-55 mixed case.
func ChecksumEVM(addr string) string {
	lower := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X"))
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	digest := hex.EncodeToString(h.Sum(nil))

	out := make([]byte, len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		if c >= 'a' && c <= 'f' && digest[i] >= '8' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return "0x" + string(out)
}

func doubleSHA256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}
