package keystore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	secret := "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

	ks, err := Encrypt(KindPrivateKey, secret, "correct horse", LightParams)
	require.NoError(t, err)
	assert.Equal(t, 3, ks.Version)
	assert.Equal(t, KindPrivateKey, ks.Kind)
	assert.NotContains(t, ks.Crypto.CipherText, secret)

	got, err := Decrypt(ks, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestDecryptWrongPassword(t *testing.T) {
	ks, err := Encrypt(KindMnemonic, "test test test test test test test test test test test junk", "pw", LightParams)
	require.NoError(t, err)

	_, err = Decrypt(ks, "not-pw")
	assert.True(t, errors.Is(err, ErrMACMismatch))
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")

	ks, err := Encrypt(KindPrivateKey, "deadbeef", "pw", LightParams)
	require.NoError(t, err)
	require.NoError(t, ks.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ks.Id, loaded.Id)

	got, err := Decrypt(loaded, "pw")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", got)
}

func TestEncryptRejectsEmptySecret(t *testing.T) {
	_, err := Encrypt(KindPrivateKey, "", "pw", LightParams)
	assert.Error(t, err)
}
