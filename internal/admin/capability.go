// Package admin gates operator actions behind short-lived capability tokens.
//
// An operator exchanges the activation code for a signed token naming the
// scopes it grants and when it expires. Every admin request carries the
// token; Authorize decides from the token and the clock alone.
package admin

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	ScopeAccrualRun  = "accrual:run"
	ScopeLedgerWrite = "ledger:write"
	ScopeLedgerRead  = "ledger:read"
)

// Scopes lists every grantable scope.
var Scopes = []string{ScopeAccrualRun, ScopeLedgerWrite, ScopeLedgerRead}

var (
	ErrExpired      = errors.New("capability expired")
	ErrScope        = errors.New("capability lacks scope")
	ErrInvalidToken = errors.New("invalid capability token")
	ErrInvalidCode  = errors.New("invalid activation code")
	ErrUnknownScope = errors.New("unknown scope")
)

type Capability struct {
	Subject   string    `json:"subject"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Authorize reports whether c grants scope at now.
func Authorize(c *Capability, scope string, now time.Time) error {
	if c == nil {
		return ErrInvalidToken
	}
	if !now.Before(c.ExpiresAt) {
		return ErrExpired
	}
	if !slices.Contains(c.Scopes, scope) {
		return fmt.Errorf("%w: %s", ErrScope, scope)
	}
	return nil
}

type capabilityClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

const audience = "yieldsim-admin"

// Issuer signs and parses capability tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Mint signs a capability for subject. A ttl of zero uses the issuer default.
func (i *Issuer) Mint(subject string, scopes []string, ttl time.Duration) (string, Capability, error) {
	if len(scopes) == 0 {
		scopes = Scopes
	}
	for _, s := range scopes {
		if !slices.Contains(Scopes, s) {
			return "", Capability{}, fmt.Errorf("%w: %s", ErrUnknownScope, s)
		}
	}
	if ttl <= 0 {
		ttl = i.ttl
	}
	now := i.now()
	c := Capability{Subject: subject, Scopes: scopes, ExpiresAt: now.Add(ttl).Truncate(time.Second)}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, capabilityClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		},
		Scopes: scopes,
	})
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", Capability{}, err
	}
	return signed, c, nil
}

// Parse verifies the signature and returns the capability. Expiry is left
// to Authorize.
func (i *Issuer) Parse(token string) (*Capability, error) {
	var claims capabilityClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.ExpiresAt == nil || !slices.Contains(claims.Audience, audience) {
		return nil, ErrInvalidToken
	}
	return &Capability{
		Subject:   claims.Subject,
		Scopes:    claims.Scopes,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Gate exchanges the activation code for capability tokens.
type Gate struct {
	codeHash []byte
	issuer   *Issuer
}

// NewGate takes the bcrypt hash of the activation code.
func NewGate(codeHash string, issuer *Issuer) *Gate {
	return &Gate{codeHash: []byte(codeHash), issuer: issuer}
}

func (g *Gate) Activate(code, subject string, scopes []string) (string, Capability, error) {
	if len(g.codeHash) == 0 || code == "" {
		return "", Capability{}, ErrInvalidCode
	}
	if err := bcrypt.CompareHashAndPassword(g.codeHash, []byte(code)); err != nil {
		return "", Capability{}, ErrInvalidCode
	}
	if subject == "" {
		subject = "operator"
	}
	return g.issuer.Mint(subject, scopes, 0)
}

func (g *Gate) Issuer() *Issuer { return g.issuer }
