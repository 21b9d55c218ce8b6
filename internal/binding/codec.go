// Package binding implements the session binding token: a short-lived,
// HMAC-signed proof that a reconnecting client owns a specific prior
// session. It is a separate artifact from the identity JWT on purpose;
// stealing the JWT alone is not enough to take over a live seat.
package binding

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meetmesh/meetmesh/internal/domain"
)

// Token is the signed payload. Opaque to clients; the wire form is
// base64url(payload) "." base64url(tag) and may change freely.
type Token struct {
	MeetingID     domain.MeetingID     `json:"mid"`
	ParticipantID domain.ParticipantID `json:"pid"`
	CorrelationID domain.CorrelationID `json:"cid"`
	Nonce         string               `json:"n"`
	IssuedAt      int64                `json:"iat"`
	TTL           int64                `json:"ttl"`
}

type Codec struct {
	secret []byte
	ttl    time.Duration
	skew   time.Duration
	now    func() time.Time
}

// NewCodec builds a codec. ttl should be on the order of seconds: the
// token only has to survive one reconnection round-trip. skew is the
// clock tolerance added on top of ttl during verification.
func NewCodec(secret []byte, ttl, skew time.Duration) *Codec {
	return &Codec{secret: secret, ttl: ttl, skew: skew, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	c.now = now
	return c
}

// Issue signs a fresh token with a random single-use nonce.
func (c *Codec) Issue(meeting domain.MeetingID, participant domain.ParticipantID, correlation domain.CorrelationID) (Token, string) {
	tok := Token{
		MeetingID:     meeting,
		ParticipantID: participant,
		CorrelationID: correlation,
		Nonce:         uuid.NewString(),
		IssuedAt:      c.now().Unix(),
		TTL:           int64(c.ttl / time.Second),
	}
	payload, _ := json.Marshal(tok)
	return tok, encode(payload) + "." + encode(c.sign(payload))
}

// Verify checks the signature, expiry, and that the token was minted
// for the meeting and participant being resumed. It does not consume
// the nonce; that is the replay tracker's job.
func (c *Codec) Verify(raw string, meeting domain.MeetingID, participant domain.ParticipantID) (Token, error) {
	payloadPart, tagPart, ok := strings.Cut(raw, ".")
	if !ok {
		return Token{}, domain.ErrInvalidToken
	}
	payload, err := decode(payloadPart)
	if err != nil {
		return Token{}, domain.ErrInvalidToken
	}
	tag, err := decode(tagPart)
	if err != nil {
		return Token{}, domain.ErrInvalidToken
	}
	if !hmac.Equal(tag, c.sign(payload)) {
		return Token{}, domain.ErrInvalidToken
	}

	var tok Token
	if err := json.Unmarshal(payload, &tok); err != nil {
		return Token{}, domain.ErrInvalidToken
	}
	if tok.Nonce == "" || tok.IssuedAt == 0 {
		return Token{}, domain.ErrInvalidToken
	}
	if tok.MeetingID != meeting || tok.ParticipantID != participant {
		return Token{}, domain.ErrUserIDMismatch
	}

	age := c.now().Sub(time.Unix(tok.IssuedAt, 0))
	if age > time.Duration(tok.TTL)*time.Second+c.skew {
		return Token{}, domain.ErrTokenExpired
	}
	return tok, nil
}

func (c *Codec) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

func encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
