package encryption

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledEncryptorPassesThrough(t *testing.T) {
	enc, err := NewGPGEncryptor("")
	require.NoError(t, err)
	assert.False(t, enc.IsEnabled())
	assert.Empty(t, enc.Extension())

	var buf bytes.Buffer
	w, err := enc.Wrap(context.Background(), &buf)
	require.NoError(t, err)
	_, err = w.Write([]byte("plain"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Equal(t, "plain", buf.String())
}

func TestNilEncryptorIsDisabled(t *testing.T) {
	var enc *GPGEncryptor
	assert.False(t, enc.IsEnabled())
	assert.Empty(t, enc.Extension())
}

func TestMissingKeyFile(t *testing.T) {
	if _, err := exec.LookPath("gpg"); err != nil {
		t.Skip("gpg not installed")
	}
	_, err := NewGPGEncryptor(filepath.Join(t.TempDir(), "absent.asc"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = NewGPGEncryptor(t.TempDir())
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestKeyFileWithoutKey(t *testing.T) {
	if _, err := exec.LookPath("gpg"); err != nil {
		t.Skip("gpg not installed")
	}
	path := filepath.Join(t.TempDir(), "empty.asc")
	require.NoError(t, os.WriteFile(path, []byte("not a key\n"), 0o600))

	_, err := NewGPGEncryptor(path)
	assert.ErrorIs(t, err, ErrInvalidKey)
}
