// Package tickets mints and verifies the opaque tokens exchanged during a game join.
//
// A token is base64url(cbor(payload)) "." base64url(tag), where tag is a BLAKE3
// keyed hash over everything before it. Keys are derived per namespace with
// HKDF, so join tickets and server tickets never verify under each other's key
// even when both secrets are equal.
package tickets

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

const (
	joinNamespace   = "join-ticket/v1"
	serverNamespace = "server-ticket/v1"

	keySize = 32
	tagSize = 32

	maxIPLength    = 64
	maxServerField = 255
	allowedSkew    = time.Minute
)

const (
	MinSecretLength  = 16
	DefaultJoinTTL   = 10 * time.Minute
	DefaultServerTTL = 6 * time.Hour
)

const (
	kindJoin uint8 = iota + 1
	kindServer
)

var (
	b64 = base64.RawURLEncoding.Strict()

	// encoded length of the trailing tag
	tagChars = b64.EncodedLen(tagSize)

	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("tickets: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 16,
	}.DecMode()
	if err != nil {
		panic("tickets: CBOR decoder initialization failed: " + err.Error())
	}
}

// JoinTicket binds a user to a place for one join attempt.
// IssuedAt is carried with millisecond precision.
type JoinTicket struct {
	UserID   int64
	PlaceID  int64
	IssuerIP string
	IssuedAt time.Time
}

// ServerTicket (the job token) identifies the game server assigned to a place.
type ServerTicket struct {
	ServerID string
	Domain   string
	PlaceID  int64
}

type payload struct {
	Kind      uint8  `cbor:"1,keyasint"`
	ID        []byte `cbor:"2,keyasint"`
	UserID    int64  `cbor:"3,keyasint,omitempty"`
	PlaceID   int64  `cbor:"4,keyasint"`
	IP        string `cbor:"5,keyasint,omitempty"`
	ServerID  string `cbor:"6,keyasint,omitempty"`
	Domain    string `cbor:"7,keyasint,omitempty"`
	IssuedAt  int64  `cbor:"8,keyasint"`
	ExpiresAt int64  `cbor:"9,keyasint,omitempty"`
}

type namespaceKey struct {
	label string
	key   []byte
	ttl   time.Duration
}

// Codec is safe for concurrent use; it holds only immutable keys.
type Codec struct {
	join   namespaceKey
	server namespaceKey
	now    func() time.Time
}

type Option func(*Codec)

func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

func WithJoinTTL(ttl time.Duration) Option {
	return func(c *Codec) { c.join.ttl = ttl }
}

// WithServerTTL sets the job token lifetime. Zero disables expiry.
func WithServerTTL(ttl time.Duration) Option {
	return func(c *Codec) { c.server.ttl = ttl }
}

func NewCodec(joinSecret, serverSecret []byte, opts ...Option) (*Codec, error) {
	if len(joinSecret) < MinSecretLength {
		return nil, fmt.Errorf("join ticket secret must be at least %d bytes", MinSecretLength)
	}
	if len(serverSecret) < MinSecretLength {
		return nil, fmt.Errorf("server ticket secret must be at least %d bytes", MinSecretLength)
	}
	joinKey, err := deriveKey(joinSecret, joinNamespace)
	if err != nil {
		return nil, err
	}
	serverKey, err := deriveKey(serverSecret, serverNamespace)
	if err != nil {
		return nil, err
	}
	c := &Codec{
		join:   namespaceKey{label: joinNamespace, key: joinKey, ttl: DefaultJoinTTL},
		server: namespaceKey{label: serverNamespace, key: serverKey, ttl: DefaultServerTTL},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.join.ttl <= 0 {
		return nil, fmt.Errorf("join ticket ttl must be positive, got %s", c.join.ttl)
	}
	return c, nil
}

func (c *Codec) EncodeJoin(t JoinTicket) (string, error) {
	if t.UserID <= 0 || t.PlaceID <= 0 {
		return "", fmt.Errorf("encode join ticket: user and place ids must be positive (user=%d place=%d)", t.UserID, t.PlaceID)
	}
	if len(t.IssuerIP) > maxIPLength {
		return "", fmt.Errorf("encode join ticket: issuer ip longer than %d bytes", maxIPLength)
	}
	issued := t.IssuedAt
	if issued.IsZero() {
		issued = c.now()
	}
	return c.seal(&c.join, &payload{
		Kind:     kindJoin,
		UserID:   t.UserID,
		PlaceID:  t.PlaceID,
		IP:       t.IssuerIP,
		IssuedAt: issued.UnixMilli(),
	})
}

func (c *Codec) DecodeJoin(s string) (*JoinTicket, error) {
	p, err := c.open(&c.join, s, kindJoin)
	if err != nil {
		return nil, err
	}
	if p.UserID <= 0 || p.PlaceID <= 0 {
		return nil, malformed("join ticket without user or place")
	}
	return &JoinTicket{
		UserID:   p.UserID,
		PlaceID:  p.PlaceID,
		IssuerIP: p.IP,
		IssuedAt: time.UnixMilli(p.IssuedAt).UTC(),
	}, nil
}

func (c *Codec) EncodeServer(t ServerTicket) (string, error) {
	if t.PlaceID <= 0 {
		return "", fmt.Errorf("encode server ticket: place id must be positive, got %d", t.PlaceID)
	}
	if t.ServerID == "" {
		return "", fmt.Errorf("encode server ticket: empty server id")
	}
	if len(t.ServerID) > maxServerField || len(t.Domain) > maxServerField {
		return "", fmt.Errorf("encode server ticket: server id and domain are limited to %d bytes", maxServerField)
	}
	return c.seal(&c.server, &payload{
		Kind:     kindServer,
		PlaceID:  t.PlaceID,
		ServerID: t.ServerID,
		Domain:   t.Domain,
		IssuedAt: c.now().UnixMilli(),
	})
}

func (c *Codec) DecodeServer(s string) (*ServerTicket, error) {
	p, err := c.open(&c.server, s, kindServer)
	if err != nil {
		return nil, err
	}
	if p.PlaceID <= 0 || p.ServerID == "" {
		return nil, malformed("server ticket without place or server id")
	}
	return &ServerTicket{ServerID: p.ServerID, Domain: p.Domain, PlaceID: p.PlaceID}, nil
}

func (c *Codec) seal(ns *namespaceKey, p *payload) (string, error) {
	id := uuid.New()
	p.ID = id[:]
	if ns.ttl > 0 {
		p.ExpiresAt = time.UnixMilli(p.IssuedAt).Add(ns.ttl).UnixMilli()
	}
	raw, err := encMode.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", ns.label, err)
	}
	signed := b64.EncodeToString(raw) + "."
	return signed + b64.EncodeToString(ns.tag(signed)), nil
}

// open verifies the tag before looking at anything else, so any modification
// of a sealed token reports TamperDetected rather than a parse failure.
func (c *Codec) open(ns *namespaceKey, s string, kind uint8) (*payload, error) {
	if len(s) < tagChars+2 {
		return nil, malformed("%d bytes is too short", len(s))
	}
	signed, tagText := s[:len(s)-tagChars], s[len(s)-tagChars:]
	tag, err := b64.DecodeString(tagText)
	if err != nil || !hmac.Equal(tag, ns.tag(signed)) {
		return nil, &DecodeError{Kind: TamperDetected}
	}
	if signed[len(signed)-1] != '.' {
		return nil, malformed("missing separator")
	}
	raw, err := b64.DecodeString(signed[:len(signed)-1])
	if err != nil {
		return nil, malformed("payload encoding: %v", err)
	}
	var p payload
	if err := decMode.Unmarshal(raw, &p); err != nil {
		return nil, malformed("payload: %v", err)
	}
	if p.Kind != kind {
		return nil, malformed("unexpected ticket kind %d", p.Kind)
	}
	now := c.now()
	if p.ExpiresAt != 0 && now.After(time.UnixMilli(p.ExpiresAt)) {
		return nil, &DecodeError{Kind: Expired, Reason: "validity window passed"}
	}
	if time.UnixMilli(p.IssuedAt).After(now.Add(allowedSkew)) {
		return nil, &DecodeError{Kind: Expired, Reason: "issued in the future"}
	}
	return &p, nil
}

func (ns *namespaceKey) tag(signed string) []byte {
	hasher, err := blake3.NewKeyed(ns.key)
	if err != nil {
		panic("tickets: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = hasher.Write([]byte(signed))
	return hasher.Sum(nil)
}

func deriveKey(secret []byte, label string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(label))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", label, err)
	}
	return key, nil
}
