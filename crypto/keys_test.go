package crypto

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestAccountRoundTrip(t *testing.T) {
	addr := common.HexToAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	formatted, err := FormatAccount(addr)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(formatted, AccountPrefix+"1"))

	parsed, err := ParseAccount(formatted)
	require.NoError(t, err)
	require.Equal(t, addr, parsed)

	parsed, err = ParseAccount(" " + addr.Hex() + " ")
	require.NoError(t, err)
	require.Equal(t, addr, parsed)
}

func TestParseAccountRejects(t *testing.T) {
	for _, raw := range []string{"", "0x1234", "nope", "cosmos1qypqxpq9qcrsszg2pvxq6rs0zqg3yyc5lzv7xu"} {
		_, err := ParseAccount(raw)
		require.Errorf(t, err, "input %q", raw)
	}
}

func TestPrivateKeyEncoding(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	fromBytes, err := PrivateKeyFromBytes(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, key.Address(), fromBytes.Address())

	fromHex, err := PrivateKeyFromHex("0x" + common.Bytes2Hex(key.Bytes()))
	require.NoError(t, err)
	require.Equal(t, key.Address(), fromHex.Address())

	_, err = PrivateKeyFromHex("zz")
	require.Error(t, err)
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "relayer.keystore")

	require.NoError(t, SaveToKeystore(path, key, "correct horse"))
	loaded, err := LoadFromKeystore(path, "correct horse")
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)

	require.Error(t, SaveToKeystore("", key, ""))
	require.Error(t, SaveToKeystore(path, nil, ""))
}
