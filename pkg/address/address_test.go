package address

import (
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/canopy-network/entityx/pkg/errs"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func base58Address(t *testing.T, version byte, fill byte) string {
	t.Helper()
	payload := append([]byte{version}, bytesOf(20, fill)...)
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return base58.Encode(append(payload, second[:4]...))
}

func segwitAddress(t *testing.T, hrp string, witnessVersion byte, program []byte, m bool) string {
	t.Helper()
	conv, err := bech32.ConvertBits(program, 8, 5, true)
	require.NoError(t, err)
	data := append([]byte{witnessVersion}, conv...)
	var out string
	if m {
		out, err = bech32.EncodeM(hrp, data)
	} else {
		out, err = bech32.Encode(hrp, data)
	}
	require.NoError(t, err)
	return out
}

func bytesOf(n int, b byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b + byte(i)
	}
	return out
}

func TestNormalizeBase58(t *testing.T) {
	got, err := Normalize("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	require.NoError(t, err)
	assert.Equal(t, KindP2PKH, got.Kind)

	p2sh := base58Address(t, 0x05, 7)
	got, err = Normalize(" " + p2sh + " ")
	require.NoError(t, err)
	assert.Equal(t, p2sh, got.Value)
	assert.Equal(t, KindP2SH, got.Kind)
}

func TestNormalizeBase58RejectsBadChecksum(t *testing.T) {
	valid := base58Address(t, 0x00, 1)
	decoded, err := base58.Decode(valid)
	require.NoError(t, err)
	decoded[24] ^= 0xff
	_, err = Normalize(base58.Encode(decoded))
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))

	_, err = Normalize("0OIl-not-base58")
	assert.True(t, errs.IsValidation(err))
}

func TestNormalizeSegwit(t *testing.T) {
	v0 := segwitAddress(t, "bc", 0, bytesOf(20, 3), false)
	got, err := Normalize(strings.ToUpper(v0))
	require.NoError(t, err)
	assert.Equal(t, v0, got.Value)
	assert.Equal(t, KindWitness, got.Kind)

	taproot := segwitAddress(t, "bc", 1, bytesOf(32, 9), true)
	got, err = Normalize(taproot)
	require.NoError(t, err)
	assert.Equal(t, KindTaproot, got.Kind)
}

func TestNormalizeSegwitRejectsWrongVariant(t *testing.T) {
	// witness v1 encoded with the original bech32 checksum
	bad := segwitAddress(t, "bc", 1, bytesOf(32, 9), false)
	_, err := Normalize(bad)
	assert.True(t, errs.IsValidation(err))

	// witness v0 with a program length other than 20 or 32
	odd := segwitAddress(t, "bc", 0, bytesOf(25, 1), false)
	_, err = Normalize(odd)
	assert.True(t, errs.IsValidation(err))

	v0 := segwitAddress(t, "bc", 0, bytesOf(20, 3), false)
	corrupted := v0[:len(v0)-1] + flip(v0[len(v0)-1])
	_, err = Normalize(corrupted)
	assert.True(t, errs.IsValidation(err))
}

func flip(c byte) string {
	if c == 'q' {
		return "p"
	}
	return "q"
}

func TestNormalizeEVM(t *testing.T) {
	for _, addr := range []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
	} {
		got, err := Normalize(addr)
		require.NoError(t, err, addr)
		assert.Equal(t, strings.ToLower(addr), got.Value)
		assert.Equal(t, addr, ChecksumEVM(got.Value))
	}

	_, err := Normalize("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	require.NoError(t, err)

	_, err = Normalize("0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	assert.True(t, errs.IsValidation(err))

	_, err = Normalize("0x1234")
	assert.True(t, errs.IsValidation(err))
}

func TestNormalizeEmpty(t *testing.T) {
	assert.False(t, Valid("   "))
}
