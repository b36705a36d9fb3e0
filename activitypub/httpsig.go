package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
)

var (
	// ErrMalformedSignature means a required signature header is missing.
	ErrMalformedSignature = errors.New("malformed http signature")
	// ErrInvalidSignature means the signature is present but does not verify.
	ErrInvalidSignature = errors.New("invalid http signature")
)

// signedHeaders is the header list of every outgoing signature, in order.
var signedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}

// MaxClockSkew bounds the distance between a signed Date and now.
const MaxClockSkew = 12 * time.Hour

// Key is a signing key and the id under which its public half is published.
type Key struct {
	ID         string
	PrivateKey *rsa.PrivateKey
}

// KeyLookup resolves a keyId to the public key it names.
type KeyLookup func(ctx context.Context, keyID string) (*rsa.PublicKey, error)

// Sign builds the Host, Date, Digest and Signature headers for a POST of
// body to target.
func Sign(target string, body []byte, key Key, now time.Time) (http.Header, error) {
	req, err := http.NewRequest(http.MethodPost, target, nil)
	if err != nil {
		return nil, fmt.Errorf("parse target: %w", err)
	}
	if err := signAt(req, body, key, now); err != nil {
		return nil, err
	}

	h := http.Header{}
	for _, name := range []string{"Host", "Date", "Digest", "Signature"} {
		h.Set(name, req.Header.Get(name))
	}
	return h, nil
}

// SignRequest signs an outgoing POST request carrying body.
func SignRequest(req *http.Request, body []byte, key Key) error {
	return signAt(req, body, key, time.Now())
}

func signAt(req *http.Request, body []byte, key Key, now time.Time) error {
	if key.PrivateKey == nil {
		return errors.New("no private key")
	}

	// signers are not safe for concurrent use
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}

	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Date", now.UTC().Format(http.TimeFormat))
	req.Header.Del("Digest")
	if body == nil {
		body = []byte{}
	}

	if err := signer.SignRequest(key.PrivateKey, key.ID, req, body); err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	return nil
}

// Verify checks the HTTP signature of an incoming request and returns the
// keyId that signed it. The keyId is also returned with a failed check once
// the signature header could be read. The request body is read and restored.
func Verify(req *http.Request, lookup KeyLookup) (string, error) {
	if req.Header.Get("Signature") == "" && !strings.HasPrefix(req.Header.Get("Authorization"), "Signature ") {
		return "", fmt.Errorf("%w: no Signature header", ErrMalformedSignature)
	}
	if req.Header.Get("Date") == "" {
		return "", fmt.Errorf("%w: no Date header", ErrMalformedSignature)
	}
	if req.Header.Get("Digest") == "" {
		return "", fmt.Errorf("%w: no Digest header", ErrMalformedSignature)
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return "", fmt.Errorf("%w: read body: %v", ErrInvalidSignature, err)
		}
		req.Body.Close()
	}
	req.Body = io.NopCloser(bytes.NewReader(body))

	if !digestMatches(req.Header.Get("Digest"), body) {
		return "", fmt.Errorf("%w: digest does not match body", ErrInvalidSignature)
	}
	if err := checkDate(req.Header.Get("Date")); err != nil {
		return "", err
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	keyID := verifier.KeyId()

	pub, err := lookup(req.Context(), keyID)
	if err != nil {
		return keyID, fmt.Errorf("%w: key %s: %v", ErrInvalidSignature, keyID, err)
	}
	if err := verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return keyID, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return keyID, nil
}

// KeyOwner strips the fragment from a keyId, which by convention leaves
// the URI of the owning actor.
func KeyOwner(keyID string) string {
	if i := strings.Index(keyID, "#"); i >= 0 {
		return keyID[:i]
	}
	return keyID
}

func checkDate(value string) error {
	date, err := http.ParseTime(value)
	if err != nil {
		return fmt.Errorf("%w: bad Date header", ErrInvalidSignature)
	}
	if skew := time.Since(date); skew > MaxClockSkew || skew < -MaxClockSkew {
		return fmt.Errorf("%w: Date outside allowed skew", ErrInvalidSignature)
	}
	return nil
}

func digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// digestMatches accepts a Digest header listing several algorithms as long
// as its SHA-256 entry matches.
func digestMatches(header string, body []byte) bool {
	want := digest(body)
	for _, d := range strings.Split(header, ",") {
		d = strings.TrimSpace(d)
		if alg, _, ok := strings.Cut(d, "="); ok && strings.EqualFold(alg, "SHA-256") {
			return d[len(alg):] == want[len("SHA-256"):]
		}
	}
	return false
}
