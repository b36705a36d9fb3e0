package activitypub

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyID = "https://remote.example/users/bob#main-key"

func signedRequest(t *testing.T, key *rsa.PrivateKey, body []byte) *http.Request {
	t.Helper()
	target := "https://local.example/users/alice/inbox"
	h, err := Sign(target, body, Key{ID: testKeyID, PrivateKey: key}, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	for name, v := range h {
		req.Header[name] = v
	}
	return req
}

func lookupFor(pub *rsa.PublicKey) KeyLookup {
	return func(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
		if keyID != testKeyID {
			return nil, fmt.Errorf("unknown key %s", keyID)
		}
		return pub, nil
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key := testPrivateKey(t)
	body := []byte(`{"type":"Follow"}`)
	req := signedRequest(t, key, body)

	keyID, err := Verify(req, lookupFor(&key.PublicKey))
	require.NoError(t, err)
	assert.Equal(t, testKeyID, keyID)

	// body is restored for the handler
	restored, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, restored)
}

func TestSignHeaders(t *testing.T) {
	key := testPrivateKey(t)
	body := []byte("hello")
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	h, err := Sign("https://remote.example/inbox?x=1", body, Key{ID: testKeyID, PrivateKey: key}, now)
	require.NoError(t, err)

	sum := sha256.Sum256(body)
	assert.Equal(t, "remote.example", h.Get("Host"))
	assert.Equal(t, "Tue, 02 Jan 2024 03:04:05 GMT", h.Get("Date"))
	assert.Equal(t, "SHA-256="+base64.StdEncoding.EncodeToString(sum[:]), h.Get("Digest"))

	sig := h.Get("Signature")
	assert.Contains(t, sig, `keyId="`+testKeyID+`"`)
	assert.Contains(t, sig, `algorithm="hs2019"`)
	assert.Contains(t, sig, `headers="(request-target) host date digest"`)

	// the signature covers the exact signing string
	m := regexp.MustCompile(`signature="([^"]+)"`).FindStringSubmatch(sig)
	require.Len(t, m, 2)
	raw, err := base64.StdEncoding.DecodeString(m[1])
	require.NoError(t, err)
	signingString := strings.Join([]string{
		"(request-target): post /inbox?x=1",
		"host: remote.example",
		"date: " + h.Get("Date"),
		"digest: " + h.Get("Digest"),
	}, "\n")
	hashed := sha256.Sum256([]byte(signingString))
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, hashed[:], raw))
}

func TestSignRequestReplacesDigest(t *testing.T) {
	key := testPrivateKey(t)
	body := []byte(`{"type":"Create"}`)
	req := httptest.NewRequest(http.MethodPost, "https://local.example/inbox", bytes.NewReader(body))
	req.Header.Set("Digest", "SHA-256=stale")

	require.NoError(t, SignRequest(req, body, Key{ID: testKeyID, PrivateKey: key}))
	assert.Equal(t, digest(body), req.Header.Get("Digest"))
	assert.Equal(t, "local.example", req.Host)

	keyID, err := Verify(req, lookupFor(&key.PublicKey))
	require.NoError(t, err)
	assert.Equal(t, testKeyID, keyID)
}

func TestSignWithoutKey(t *testing.T) {
	_, err := Sign("https://remote.example/inbox", nil, Key{ID: testKeyID}, time.Now())
	assert.Error(t, err)
}

func TestVerifyMutatedBody(t *testing.T) {
	key := testPrivateKey(t)
	req := signedRequest(t, key, []byte(`{"type":"Like"}`))
	req.Body = io.NopCloser(strings.NewReader(`{"type":"Like","x":1}`))

	_, err := Verify(req, lookupFor(&key.PublicKey))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyWrongKey(t *testing.T) {
	key := testPrivateKey(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	req := signedRequest(t, other, []byte(`{}`))
	_, err = Verify(req, lookupFor(&key.PublicKey))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyTamperedHeader(t *testing.T) {
	key := testPrivateKey(t)
	req := signedRequest(t, key, []byte(`{}`))
	req.URL.Path = "/users/carol/inbox"

	_, err := Verify(req, lookupFor(&key.PublicKey))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyMissingHeaders(t *testing.T) {
	key := testPrivateKey(t)
	for _, header := range []string{"Signature", "Date", "Digest"} {
		t.Run(header, func(t *testing.T) {
			req := signedRequest(t, key, []byte(`{}`))
			req.Header.Del(header)
			_, err := Verify(req, lookupFor(&key.PublicKey))
			assert.ErrorIs(t, err, ErrMalformedSignature)
		})
	}
}

func TestVerifyLookupFailure(t *testing.T) {
	key := testPrivateKey(t)
	req := signedRequest(t, key, []byte(`{}`))
	_, err := Verify(req, func(context.Context, string) (*rsa.PublicKey, error) {
		return nil, errors.New("gone")
	})
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyGarbageSignature(t *testing.T) {
	key := testPrivateKey(t)
	req := signedRequest(t, key, []byte(`{}`))
	req.Header.Set("Signature", `keyId="x",signature="!!!"`)
	_, err := Verify(req, lookupFor(&key.PublicKey))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyStaleDate(t *testing.T) {
	key := testPrivateKey(t)
	body := []byte(`{}`)
	target := "https://local.example/inbox"
	h, err := Sign(target, body, Key{ID: testKeyID, PrivateKey: key}, time.Now().Add(-2*MaxClockSkew))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	for name, v := range h {
		req.Header[name] = v
	}
	_, err = Verify(req, lookupFor(&key.PublicKey))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

// Signatures from other servers may list headers in any order and spell
// header names in any case.
func TestVerifyHeaderOrderFromSignature(t *testing.T) {
	key := testPrivateKey(t)
	body := []byte(`{"type":"Announce"}`)
	req := httptest.NewRequest(http.MethodPost, "https://local.example/inbox", bytes.NewReader(body))
	req.Header.Set("date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("digest", digest(body))

	signingString := strings.Join([]string{
		"date: " + req.Header.Get("Date"),
		"digest: " + req.Header.Get("Digest"),
		"(request-target): post /inbox",
		"host: local.example",
	}, "\n")
	hashed := sha256.Sum256([]byte(signingString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	require.NoError(t, err)
	req.Header.Set("Authorization", fmt.Sprintf(`Signature keyId="%s",algorithm="hs2019",headers="Date Digest (request-target) Host",signature="%s"`,
		testKeyID, base64.StdEncoding.EncodeToString(sig)))

	keyID, err := Verify(req, lookupFor(&key.PublicKey))
	require.NoError(t, err)
	assert.Equal(t, testKeyID, keyID)
}

func TestKeyOwner(t *testing.T) {
	assert.Equal(t, "https://remote.example/users/bob", KeyOwner(testKeyID))
	assert.Equal(t, "https://remote.example/users/bob", KeyOwner("https://remote.example/users/bob"))
}

func TestParseKeys(t *testing.T) {
	keys := testKeys(t)
	priv, err := ParsePrivateKey(keys.Private)
	require.NoError(t, err)
	pub, err := ParsePublicKey(keys.Public)
	require.NoError(t, err)
	assert.True(t, priv.PublicKey.Equal(pub))

	_, err = ParsePublicKey("not pem")
	assert.Error(t, err)
	_, err = ParsePrivateKey(keys.Public)
	assert.Error(t, err)
}
