package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
)

// Authentication headers of the v5 contract.
const (
	HeaderAPIKey     = "X-API-KEY"
	HeaderSign       = "X-SIGN"
	HeaderTimestamp  = "X-TIMESTAMP"
	HeaderRecvWindow = "X-RECV-WINDOW"
)

// Signer produces v5 request signatures for one credential.
type Signer struct {
	apiKey     string
	secret     []byte
	recvWindow string
}

// NewSigner creates a signer; recvWindow is in milliseconds.
func NewSigner(apiKey, secret string, recvWindow int64) *Signer {
	if recvWindow <= 0 {
		recvWindow = 5000
	}
	return &Signer{
		apiKey:     apiKey,
		secret:     []byte(secret),
		recvWindow: strconv.FormatInt(recvWindow, 10),
	}
}

// Sign returns hex(HMAC-SHA256(secret, timestamp + api_key + recv_window + payload)).
// payload is the query string for GET and the raw JSON body for POST.
func (s *Signer) Sign(timestamp, payload string) string {
	return computeHmacSha256(s.secret, timestamp+s.apiKey+s.recvWindow+payload)
}

// Apply sets the authentication headers on h.
func (s *Signer) Apply(h http.Header, timestampMs int64, payload string) {
	ts := strconv.FormatInt(timestampMs, 10)
	h.Set(HeaderAPIKey, s.apiKey)
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderRecvWindow, s.recvWindow)
	h.Set(HeaderSign, s.Sign(ts, payload))
}

// APIKey returns the public half of the credential.
func (s *Signer) APIKey() string { return s.apiKey }

func computeHmacSha256(secret []byte, data string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
