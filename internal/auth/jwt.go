package auth

import (
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"schoolhub/identity/internal/model"
)

type Claims struct {
	UserID string     `json:"userId"`
	Email  string     `json:"email"`
	Role   model.Role `json:"role"`
	jwt.RegisteredClaims
}

type TokenStatus int

const (
	TokenInvalid TokenStatus = iota
	TokenExpired
	TokenValid
)

func (s TokenStatus) String() string {
	switch s {
	case TokenValid:
		return "valid"
	case TokenExpired:
		return "expired"
	default:
		return "invalid"
	}
}

// Verification is the outcome of checking an access token. Claims is only set
// when Status is TokenValid.
type Verification struct {
	Status TokenStatus
	Claims *Claims
}

func (v Verification) Valid() bool {
	return v.Status == TokenValid && v.Claims != nil
}

type Option func(*Issuer)

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

type Issuer struct {
	method    jwt.SigningMethod
	signKey   interface{}
	verifyKey interface{}
	issuer    string
	ttl       time.Duration
	now       func() time.Time
	publicKey *rsa.PublicKey
}

func NewHMACIssuer(secret, issuer string, ttl time.Duration, opts ...Option) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("missing_jwt_secret")
	}
	return newIssuer(jwt.SigningMethodHS256, []byte(secret), []byte(secret), nil, issuer, ttl, opts)
}

func NewRSAIssuer(privateKeyPEM, publicKeyPEM, issuer string, ttl time.Duration, opts ...Option) (*Issuer, error) {
	privateKey, err := ParseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	publicKey, err := ParseRSAPublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	if privateKey.PublicKey.N.Cmp(publicKey.N) != 0 || privateKey.PublicKey.E != publicKey.E {
		return nil, errors.New("jwt_key_pair_mismatch")
	}
	return newIssuer(jwt.SigningMethodRS256, privateKey, publicKey, publicKey, issuer, ttl, opts)
}

func newIssuer(method jwt.SigningMethod, signKey, verifyKey interface{}, publicKey *rsa.PublicKey, issuer string, ttl time.Duration, opts []Option) (*Issuer, error) {
	if ttl <= 0 {
		return nil, errors.New("invalid_access_token_ttl")
	}
	i := &Issuer{
		method:    method,
		signKey:   signKey,
		verifyKey: verifyKey,
		issuer:    issuer,
		ttl:       ttl,
		now:       time.Now,
		publicKey: publicKey,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

func (i *Issuer) IssueAccessToken(user model.User) (string, error) {
	now := i.now().UTC()
	claims := Claims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   user.ID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(i.method, claims)
	return token.SignedString(i.signKey)
}

// Verify checks signature, algorithm, issuer and expiry. It never returns an
// error; callers branch on the Status.
func (i *Issuer) Verify(tokenString string) Verification {
	if tokenString == "" {
		return Verification{Status: TokenInvalid}
	}
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{i.method.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	}
	if i.issuer != "" {
		options = append(options, jwt.WithIssuer(i.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return i.verifyKey, nil
	}, options...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return Verification{Status: TokenExpired}
		}
		return Verification{Status: TokenInvalid}
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" || !claims.Role.Valid() {
		return Verification{Status: TokenInvalid}
	}
	return Verification{Status: TokenValid, Claims: claims}
}

// JWKS returns the public signing key set. The second value is false for
// symmetric issuers, which have nothing to publish.
func (i *Issuer) JWKS() (JWKSet, bool) {
	if i.publicKey == nil {
		return JWKSet{}, false
	}
	set, err := NewJWKSet(i.publicKey)
	if err != nil {
		return JWKSet{}, false
	}
	return set, true
}
