package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opsline-dev/branchctl/internal/crypto"
	"github.com/opsline-dev/branchctl/internal/errs"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := crypto.New("correct-master-key")
	require.NoError(t, err)

	ciphertext, err := enc.EncryptString("sk-super-secret-value")
	require.NoError(t, err)
	require.NotContains(t, ciphertext, "sk-super-secret-value")

	plaintext, err := enc.DecryptString(ciphertext)
	require.NoError(t, err)
	require.Equal(t, "sk-super-secret-value", plaintext)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	enc, err := crypto.New("correct-master-key")
	require.NoError(t, err)

	ciphertext, err := enc.EncryptString("a secret")
	require.NoError(t, err)

	wrongEnc, err := crypto.New("wrong-master-key")
	require.NoError(t, err)

	_, err = wrongEnc.DecryptString(ciphertext)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindDecrypt))
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	enc, err := crypto.New("correct-master-key")
	require.NoError(t, err)

	ciphertext, err := enc.EncryptString("a secret")
	require.NoError(t, err)

	tampered := ciphertext[:len(ciphertext)-4] + "abcd"
	_, err = enc.Decrypt(tampered)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindDecrypt))
}

func TestDecryptMalformedInputFails(t *testing.T) {
	enc, err := crypto.New("correct-master-key")
	require.NoError(t, err)

	_, err = enc.Decrypt("not even base64!!")
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.KindDecrypt))
}

func TestNewRejectsEmptyMasterKey(t *testing.T) {
	_, err := crypto.New("")
	require.Error(t, err)
}
