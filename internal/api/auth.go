package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/atmx/options-engine/internal/codes"
	"github.com/atmx/options-engine/internal/metrics"
)

type ctxKey struct{}

var errBadSubject = errors.New("token subject is not an address")

// IssueToken signs an HS256 token naming account as the caller.
func IssueToken(secret []byte, account common.Address, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   account.Hex(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies an HS256 token and returns the account in its sub claim.
func ParseToken(secret []byte, raw string) (common.Address, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(claims.Subject) {
		return common.Address{}, errBadSubject
	}
	return common.HexToAddress(claims.Subject), nil
}

// Authenticator resolves the caller from an Authorization bearer token.
// Requests without a token pass through anonymously; handlers that change
// state require a caller. A token that fails verification is rejected.
func Authenticator(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if h == "" {
				next.ServeHTTP(w, r)
				return
			}
			raw, ok := strings.CutPrefix(h, "Bearer ")
			if !ok {
				writeError(w, "authorization must be a bearer token", codes.Unauthorized)
				return
			}
			caller, err := ParseToken(secret, raw)
			if err != nil {
				writeError(w, "invalid token: "+err.Error(), codes.Unauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, caller)))
		})
	}
}

// CallerFrom returns the authenticated caller, if any.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	a, ok := ctx.Value(ctxKey{}).(common.Address)
	return a, ok
}

// DefaultIdleTTL is how long an unused limiter entry is kept.
const DefaultIdleTTL = 10 * time.Minute

// RateLimiter throttles requests per caller, or per remote host for
// anonymous requests. Entries idle longer than the TTL are dropped.
type RateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
	visitors  map[string]*visitor
}

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond requests with the given burst per key.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	ttl := DefaultIdleTTL
	// An entry must outlive its refill time or eviction would reset it early.
	if perSecond > 0 {
		if refill := time.Duration(float64(burst) / perSecond * float64(time.Second)); refill > ttl {
			ttl = refill
		}
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		ttl:      ttl,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (l *RateLimiter) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.ttl {
		l.sweep(now)
	}
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{lim: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.lim
}

func (l *RateLimiter) sweep(now time.Time) {
	for k, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, k)
		}
	}
	l.lastSweep = now
}

// Len reports how many keys are tracked.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// clientKey is the caller address, else the remote host without its port.
func clientKey(r *http.Request) string {
	if caller, ok := CallerFrom(r.Context()); ok {
		return caller.Hex()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit with 429. It must run after
// Authenticator.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.limiter(clientKey(r)).Allow() {
			metrics.RateLimited.Inc()
			writeError(w, "rate limit exceeded", codes.RateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}
