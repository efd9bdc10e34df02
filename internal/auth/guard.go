// Package auth implements the HMAC request gate in front of the payment API.
//
// A request is admitted when it carries the configured API key and app
// token, a timestamp within MaxSkew of the local clock, and a hex
// HMAC-SHA256 signature over timestamp||rawBody computed with the shared
// secret. The body must be the exact bytes received on the wire.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"token-payment-reconciler/internal/observability"
)

// Header names carried by signed requests.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderAPIKey    = "X-Api-Key"
	HeaderAppToken  = "X-App-Token"
)

// DefaultMaxSkew is the accepted distance between request and local clock.
const DefaultMaxSkew = 120 * time.Second

// Rejection is the reason a request was refused. The empty value admits.
type Rejection string

const (
	Admit              Rejection = ""
	MissingHeaders     Rejection = "missing_headers"
	InvalidCredentials Rejection = "invalid_credentials"
	ExpiredRequest     Rejection = "expired_request"
	InvalidSignature   Rejection = "invalid_signature"
)

// Message returns a human-readable description of the rejection.
func (r Rejection) Message() string {
	switch r {
	case MissingHeaders:
		return "Missing signature headers"
	case InvalidCredentials:
		return "Invalid API key or app verification token"
	case ExpiredRequest:
		return "Request expired"
	case InvalidSignature:
		return "Invalid signature"
	default:
		return ""
	}
}

// Headers holds the declared authentication values of a request.
type Headers struct {
	Signature string
	Timestamp string
	APIKey    string
	AppToken  string
}

// HeadersFrom extracts authentication headers from an HTTP header set.
func HeadersFrom(h http.Header) Headers {
	return Headers{
		Signature: strings.TrimSpace(h.Get(HeaderSignature)),
		Timestamp: strings.TrimSpace(h.Get(HeaderTimestamp)),
		APIKey:    strings.TrimSpace(h.Get(HeaderAPIKey)),
		AppToken:  strings.TrimSpace(h.Get(HeaderAppToken)),
	}
}

// Config holds the shared credentials.
type Config struct {
	PublicKey string
	Secret    string
	AppToken  string
	// MaxSkew defaults to DefaultMaxSkew.
	MaxSkew time.Duration
}

// Guard checks request authenticity. It holds no mutable state and is safe
// for concurrent use.
type Guard struct {
	publicKey []byte
	secret    []byte
	appToken  []byte
	maxSkew   time.Duration
	now       func() time.Time
	logger    *zap.SugaredLogger
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithLogger sets the logger used for rejection diagnostics.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(g *Guard) { g.logger = logger }
}

// NewGuard creates a guard for the given credentials.
func NewGuard(cfg Config, opts ...Option) *Guard {
	g := &Guard{
		publicKey: []byte(cfg.PublicKey),
		secret:    []byte(cfg.Secret),
		appToken:  []byte(cfg.AppToken),
		maxSkew:   cfg.MaxSkew,
		now:       time.Now,
		logger:    zap.NewNop().Sugar(),
	}
	if g.maxSkew <= 0 {
		g.maxSkew = DefaultMaxSkew
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check decides whether a request with the given headers and raw body is admitted.
// Checks run in a fixed order: presence, credentials, freshness, signature.
func (g *Guard) Check(h Headers, rawBody []byte) Rejection {
	r := g.check(h, rawBody)
	if r != Admit {
		observability.RecordAuthRejection(string(r))
		g.logger.Debugw("request rejected", "reason", string(r), "timestamp", h.Timestamp)
	}
	return r
}

func (g *Guard) check(h Headers, rawBody []byte) Rejection {
	if h.Signature == "" || h.Timestamp == "" || h.APIKey == "" || h.AppToken == "" {
		return MissingHeaders
	}

	keyOK := subtle.ConstantTimeCompare([]byte(h.APIKey), g.publicKey) == 1
	tokenOK := subtle.ConstantTimeCompare([]byte(h.AppToken), g.appToken) == 1
	if !keyOK || !tokenOK {
		return InvalidCredentials
	}

	ts, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return ExpiredRequest
	}
	skew := g.now().UnixMilli() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > g.maxSkew.Milliseconds() {
		return ExpiredRequest
	}

	declared, err := hex.DecodeString(strings.ToLower(h.Signature))
	if err != nil {
		return InvalidSignature
	}
	if !hmac.Equal(declared, Sign(g.secret, h.Timestamp, rawBody)) {
		return InvalidSignature
	}

	return Admit
}

// Sign computes HMAC-SHA256(secret, timestamp||body).
func Sign(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignHex is Sign encoded as lowercase hex, the form sent in X-Signature.
func SignHex(secret, timestamp string, body []byte) string {
	return hex.EncodeToString(Sign([]byte(secret), timestamp, body))
}
