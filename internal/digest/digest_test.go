package digest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSHA256HexStableAndSensitive(t *testing.T) {
	data := []byte("demo artifact")
	first := SHA256Hex(data)
	assert.Equal(t, first, SHA256Hex(data))
	assert.Len(t, first, 64)

	for i := range data {
		mutated := append([]byte(nil), data...)
		mutated[i] ^= 0x01
		assert.NotEqual(t, first, SHA256Hex(mutated), "byte %d", i)
	}
}

func newKey(t *testing.T) (ed25519.PrivateKey, []byte) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	der, err := MarshalSPKI(pub)
	if err != nil {
		t.Fatalf("MarshalSPKI: %v", err)
	}
	return priv, der
}

func TestVerifyEd25519RoundTrip(t *testing.T) {
	priv, spki := newKey(t)
	msg := []byte(`{"id":"com.example.plugin"}`)
	sig := ed25519.Sign(priv, msg)

	ok, err := VerifyEd25519(spki, msg, sig)
	assert.NoError(t, err)
	assert.True(t, ok)

	for i := range sig {
		bad := append([]byte(nil), sig...)
		bad[i] ^= 0x80
		ok, err := VerifyEd25519(spki, msg, bad)
		assert.NoError(t, err)
		assert.False(t, ok, "flipped signature byte %d", i)
	}
	for i := range msg {
		bad := append([]byte(nil), msg...)
		bad[i] ^= 0x01
		ok, err := VerifyEd25519(spki, bad, sig)
		assert.NoError(t, err)
		assert.False(t, ok, "flipped message byte %d", i)
	}
}

func TestVerifyEd25519WrongKey(t *testing.T) {
	priv, _ := newKey(t)
	_, otherSPKI := newKey(t)
	msg := []byte("hello")

	ok, err := VerifyEd25519(otherSPKI, msg, ed25519.Sign(priv, msg))
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyEd25519InvalidKey(t *testing.T) {
	_, err := VerifyEd25519([]byte("not a key"), []byte("m"), make([]byte, ed25519.SignatureSize))
	assert.True(t, errors.Is(err, ErrInvalidKey))
}

func TestVerifyEd25519BackendUnavailable(t *testing.T) {
	orig := ed25519Verify
	ed25519Verify = nil
	t.Cleanup(func() { ed25519Verify = orig })

	_, spki := newKey(t)
	_, err := VerifyEd25519(spki, []byte("m"), make([]byte, ed25519.SignatureSize))
	assert.True(t, errors.Is(err, ErrBackendUnavailable))
}

func TestDecodeBase64StripsPrefix(t *testing.T) {
	raw := []byte{0xde, 0xad, 0xbe, 0xef}
	enc := base64.StdEncoding.EncodeToString(raw)

	for _, in := range []string{enc, "base64:" + enc, " base64:" + enc + " ", base64.RawStdEncoding.EncodeToString(raw)} {
		got, err := DecodeBase64(in)
		assert.NoError(t, err, in)
		assert.Equal(t, raw, got)
	}

	_, err := DecodeBase64("base64:")
	assert.ErrorIs(t, err, ErrInvalidEncoding)
	_, err = DecodeBase64("!!!")
	assert.ErrorIs(t, err, ErrInvalidEncoding)
}

func TestParseHashRef(t *testing.T) {
	h := SHA256Hex([]byte("x"))

	got, ok := ParseHashRef("sha256:" + h)
	assert.True(t, ok)
	assert.Equal(t, h, got)

	_, ok = ParseHashRef("sha256:abc")
	assert.False(t, ok)
	_, ok = ParseHashRef("sha256:" + h[:63] + "z")
	assert.False(t, ok)
	assert.Equal(t, "sha256:"+h, HashRef(h))
}
