package crypto

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakecourt/internal/domain"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestRequestMessage(t *testing.T) {
	msg := RequestMessage("post", "/api/bets/1/fill", 1767225600, []byte(`{"value":"10"}`))
	parts := strings.Split(msg, "|")
	require.Len(t, parts, 4)
	assert.Equal(t, "POST", parts[0])
	assert.Equal(t, "/api/bets/1/fill", parts[1])
	assert.Equal(t, "1767225600", parts[2])
	assert.True(t, strings.HasPrefix(parts[3], "0x"))
	assert.Len(t, parts[3], 66)
}

func TestSignAndRecover(t *testing.T) {
	s, err := NewSigner("0x" + testKey)
	require.NoError(t, err)

	msg := []byte("hello stakecourt")
	sig, err := s.SignMessage(msg)
	require.NoError(t, err)

	got, err := RecoverSigner(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	other, err := RecoverSigner([]byte("tampered"), sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), other)

	_, err = RecoverSigner(msg, "0x1234")
	assert.ErrorIs(t, err, domain.ErrBadSignature)
	_, err = RecoverSigner(msg, "not hex")
	assert.ErrorIs(t, err, domain.ErrBadSignature)
}

func TestSignRequestHeaders(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)

	body := []byte(`{"value":"100"}`)
	req := httptest.NewRequest("POST", "/api/bets/0/fill", nil)
	now := time.Unix(1767225600, 0)
	require.NoError(t, s.SignRequest(req, body, now))

	assert.Equal(t, s.Address().Hex(), req.Header.Get(HeaderAddress))
	assert.Equal(t, "1767225600", req.Header.Get(HeaderTimestamp))

	got, err := RecoverSigner([]byte(RequestMessage("POST", "/api/bets/0/fill", now.Unix(), body)), req.Header.Get(HeaderSignature))
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)
}

func TestEncryptDecryptKey(t *testing.T) {
	blob, err := EncryptKey("0x"+testKey, "correct horse")
	require.NoError(t, err)

	plain, err := DecryptKey(blob, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, testKey, plain)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "operator.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))
	loaded, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, testKey, loaded)
}

func TestLoadKeyPrefersRawKey(t *testing.T) {
	k, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKey, EncryptedKeyPath: "/does/not/exist"})
	require.NoError(t, err)
	assert.Equal(t, testKey, k)

	_, err = LoadKey(KeyConfig{})
	assert.Error(t, err)
	_, err = EncryptKey(testKey, "")
	assert.Error(t, err)
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, k, 64)
	_, err = NewSigner(k)
	assert.NoError(t, err)
}
