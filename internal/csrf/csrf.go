package csrf

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"schoolhub/identity/internal/crypto"
)

const (
	CookieName = "csrf_token"
	HeaderName = "X-CSRF-Token"

	ReasonMissing = "csrf_token_missing"
	ReasonInvalid = "csrf_token_invalid"

	nonceBytes = 32
)

type Option func(*Guard)

func WithSecureCookie(secure bool) Option {
	return func(g *Guard) {
		g.secure = secure
	}
}

func WithCookieDomain(domain string) Option {
	return func(g *Guard) {
		g.domain = domain
	}
}

// WithRejectHook is called with the rejection reason before the 403 is
// written.
func WithRejectHook(hook func(r *http.Request, reason string)) Option {
	return func(g *Guard) {
		g.onReject = hook
	}
}

// Guard implements double-submit CSRF protection. Tokens are a random nonce
// plus an HMAC of it, so a token planted by a sibling subdomain without the
// secret is rejected even when cookie and header agree.
type Guard struct {
	secret   []byte
	secure   bool
	domain   string
	onReject func(r *http.Request, reason string)
}

func NewGuard(secret string, opts ...Option) (*Guard, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("csrf secret is required")
	}
	g := &Guard{secret: []byte(secret), secure: true}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Guard) Issue() (string, error) {
	nonce, err := crypto.RandomToken(nonceBytes)
	if err != nil {
		return "", err
	}
	return nonce + "." + g.sign(nonce), nil
}

func (g *Guard) Validate(token string) bool {
	nonce, sig, ok := strings.Cut(token, ".")
	if !ok || nonce == "" || sig == "" {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(g.sign(nonce)))
}

func (g *Guard) sign(nonce string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(nonce))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// SetCookie stores token in the csrf cookie and mirrors it in the response
// header. The cookie is readable by scripts on purpose.
func (g *Guard) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Domain:   g.domain,
		Secure:   g.secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
	w.Header().Set(HeaderName, token)
}

// IssueOnRead hands out a fresh token on every GET and HEAD.
func (g *Guard) IssueOnRead(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			if token, err := g.Issue(); err == nil {
				g.SetCookie(w, token)
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Require rejects state-changing requests whose header token is missing,
// differs from the cookie, or was not issued by this server.
func (g *Guard) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !stateChanging(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		header := strings.TrimSpace(r.Header.Get(HeaderName))
		cookie, err := r.Cookie(CookieName)
		if header == "" || err != nil || cookie.Value == "" {
			g.reject(w, r, ReasonMissing)
			return
		}
		if subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) != 1 || !g.Validate(header) {
			g.reject(w, r, ReasonInvalid)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Guard) reject(w http.ResponseWriter, r *http.Request, reason string) {
	if g.onReject != nil {
		g.onReject(r, reason)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}

func stateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
