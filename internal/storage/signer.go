package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strconv"
	"time"
)

var (
	ErrSignatureInvalid = errors.New("invalid signature")
	ErrSignatureExpired = errors.New("signature expired")
)

// URLSigner issues and checks HMAC-signed, expiring download URLs for the
// local audio store. The signature covers the key and the expiry.
type URLSigner struct {
	key     []byte
	baseURL string
	now     func() time.Time
}

// NewURLSigner creates a signer whose URLs are baseURL + escaped key.
func NewURLSigner(key []byte, baseURL string) *URLSigner {
	return &URLSigner{key: key, baseURL: baseURL, now: time.Now}
}

// Sign returns a URL for objKey valid for ttl.
func (s *URLSigner) Sign(objKey string, ttl time.Duration) string {
	expires := strconv.FormatInt(s.now().Add(ttl).Unix(), 10)
	q := url.Values{}
	q.Set("expires", expires)
	q.Set("sig", s.mac(objKey, expires))
	return s.baseURL + (&url.URL{Path: objKey}).EscapedPath() + "?" + q.Encode()
}

// Verify checks the expires and sig query values presented for objKey.
func (s *URLSigner) Verify(objKey, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || sig == "" {
		return ErrSignatureInvalid
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(objKey, expires))) {
		return ErrSignatureInvalid
	}
	if s.now().Unix() > exp {
		return ErrSignatureExpired
	}
	return nil
}

func (s *URLSigner) mac(objKey, expires string) string {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(objKey))
	m.Write([]byte{'\n'})
	m.Write([]byte(expires))
	return hex.EncodeToString(m.Sum(nil))
}
