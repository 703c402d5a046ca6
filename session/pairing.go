package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hazyhaar/roundtable/idgen"
)

// Auth failure modes. Their wire strings are part of the protocol: clients
// key on them to decide between re-pairing and surfacing an error.
var (
	ErrUnauthorized = errors.New("Unauthorized")
	ErrTokenExpired = errors.New("Token expired")

	// ErrBadPairCode rejects a confirm with a wrong, reused, or expired code.
	ErrBadPairCode = errors.New("session: pairing code invalid or expired")
)

// Pairer runs the pairing handshake and mints/verifies the bearer tokens.
// One code is pending at a time; a successful confirm consumes it.
type Pairer struct {
	secret   []byte
	codeTTL  time.Duration
	tokenTTL time.Duration
	gen      idgen.Generator
	now      func() time.Time

	mu      sync.Mutex
	code    string
	codeExp time.Time
}

// NewPairer creates a Pairer. A nil or empty secret gets a random one,
// which invalidates all outstanding tokens on restart; pass a persisted
// secret to keep pairings across restarts. Defaults: 2m code TTL, 30d
// token TTL.
func NewPairer(secret []byte, codeTTL, tokenTTL time.Duration) *Pairer {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			panic("session: secret generation failed: " + err.Error())
		}
	}
	if codeTTL <= 0 {
		codeTTL = 2 * time.Minute
	}
	if tokenTTL <= 0 {
		tokenTTL = 30 * 24 * time.Hour
	}
	return &Pairer{
		secret:   secret,
		codeTTL:  codeTTL,
		tokenTTL: tokenTTL,
		gen:      idgen.NanoID(6),
		now:      time.Now,
	}
}

// Code issues a fresh pairing code, replacing any pending one.
func (p *Pairer) Code() string {
	code := strings.ToUpper(p.gen())
	p.mu.Lock()
	p.code = code
	p.codeExp = p.now().Add(p.codeTTL)
	p.mu.Unlock()
	return code
}

// Confirm exchanges a pending code for a bearer token. The code is consumed
// whether or not it matched, so a guessing client cannot keep probing the
// same code.
func (p *Pairer) Confirm(code string) (string, error) {
	p.mu.Lock()
	pending := p.code
	exp := p.codeExp
	p.code = ""
	p.mu.Unlock()

	if pending == "" || p.now().After(exp) || !strings.EqualFold(code, pending) {
		return "", ErrBadPairCode
	}

	now := p.now()
	claims := jwt.RegisteredClaims{
		Subject:   "roundtable-client",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(p.tokenTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("session: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a bearer token. The signing method is pinned to HS256 to
// prevent algorithm confusion.
func (p *Pairer) Verify(tokenStr string) error {
	if tokenStr == "" {
		return ErrUnauthorized
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrUnauthorized
	}
	if !token.Valid {
		return ErrUnauthorized
	}
	return nil
}
