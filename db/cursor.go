package db

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/deemkeen/tusk/domain"
)

const cursorDelimiter = "::"

// cursorCodec builds opaque pagination cursors. The payload is signed with
// HMAC-SHA256 so clients cannot forge a position.
type cursorCodec struct {
	secret []byte
}

func (c cursorCodec) encode(parts ...string) string {
	payload := strings.Join(parts, cursorDelimiter)
	signed := payload + cursorDelimiter + c.sign(payload)
	return base64.URLEncoding.EncodeToString([]byte(signed))
}

// decode returns exactly n payload parts or domain.ErrInvalidCursor.
func (c cursorCodec) decode(cursor string, n int) ([]string, error) {
	decoded, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encoding", domain.ErrInvalidCursor)
	}

	parts := strings.Split(string(decoded), cursorDelimiter)
	if len(parts) != n+1 {
		return nil, fmt.Errorf("%w: bad format", domain.ErrInvalidCursor)
	}

	payload := strings.Join(parts[:n], cursorDelimiter)
	if !hmac.Equal([]byte(parts[n]), []byte(c.sign(payload))) {
		return nil, fmt.Errorf("%w: bad signature", domain.ErrInvalidCursor)
	}
	return parts[:n], nil
}

func (c cursorCodec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
