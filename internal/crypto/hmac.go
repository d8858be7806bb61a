package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Headers carrying a signed match result.
const (
	HeaderResultTimestamp = "X-Result-Timestamp"
	HeaderResultSignature = "X-Result-Signature"
)

var (
	ErrSignatureMissing = errors.New("result signature missing")
	ErrSignatureInvalid = errors.New("result signature invalid")
	ErrSignatureExpired = errors.New("result signature timestamp outside allowed skew")
)

// ResultAuth signs and verifies match results reported by the game server.
// The signature is base64(HMAC-SHA256(secret, timestamp+method+path+body)).
type ResultAuth struct {
	Secret  string
	MaxSkew time.Duration
}

// Headers returns the signing headers for a request at the current time.
func (a *ResultAuth) Headers(method, path, body string) map[string]string {
	return a.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers but lets the caller supply the Unix timestamp.
func (a *ResultAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderResultTimestamp: ts,
		HeaderResultSignature: hmacSHA256Base64([]byte(a.Secret), ts+method+path+body),
	}
}

// Verify checks a signature produced by Headers. now bounds the timestamp by
// MaxSkew in either direction; a zero MaxSkew disables the check.
func (a *ResultAuth) Verify(timestamp, signature, method, path, body string, now time.Time) error {
	if timestamp == "" || signature == "" {
		return ErrSignatureMissing
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrSignatureInvalid, timestamp)
	}
	if a.MaxSkew > 0 {
		skew := now.Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > a.MaxSkew {
			return ErrSignatureExpired
		}
	}

	want := hmacSHA256Base64([]byte(a.Secret), timestamp+method+path+body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrSignatureInvalid
	}
	return nil
}

// String returns a redacted representation suitable for logging.
func (a *ResultAuth) String() string {
	if len(a.Secret) <= 4 {
		return "ResultAuth{secret=****}"
	}
	return fmt.Sprintf("ResultAuth{secret=%s****}", a.Secret[:4])
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
