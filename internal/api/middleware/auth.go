package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/wasmforge/orchestrator/internal/domain"
)

// contextKey is an unexported type used for context keys to avoid collisions.
type contextKey string

const (
	// UserIDKey is the context key for the authenticated user's id.
	UserIDKey contextKey = "user_id"
	// TierKey is the context key for the authenticated user's billing tier.
	TierKey contextKey = "tier"
)

// Error codes used within middleware responses.
const (
	errCodeUnauthorized = "unauthorized"
)

// clockSkewSeconds is the tolerance in seconds applied to both the `exp`
// and `nbf` JWT claims to account for clock drift between servers.
const clockSkewSeconds = 30

// GetUserID extracts the user id from the request context.
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetTier extracts the billing tier from the request context, defaulting
// to the free tier if none was attached.
func GetTier(ctx context.Context) domain.Tier {
	v, ok := ctx.Value(TierKey).(domain.Tier)
	if !ok || v == "" {
		return domain.TierFree
	}
	return v
}

// AuthMiddleware resolves the caller's identity from a bearer JWT. This
// core treats authentication as an external collaborator: it only needs a
// stable user id and billing tier out of the token, never the full
// identity-provider model.
type AuthMiddleware struct {
	secretKey string
	devMode   bool
}

// NewAuthMiddleware creates a new AuthMiddleware. When devMode is true
// (whatever secretKey is), the middleware accepts bypass headers instead of
// requiring a valid JWT, unless APP_ENV is "production".
func NewAuthMiddleware(secretKey string, devMode bool) *AuthMiddleware {
	return &AuthMiddleware{
		secretKey: secretKey,
		devMode:   devMode,
	}
}

// Authenticate returns an http.Handler middleware that validates JWT
// bearer tokens and attaches UserIDKey/TierKey to the request context. In
// development mode, X-Dev-User-ID and X-Dev-Tier headers bypass the JWT
// check as a convenience.
func (am *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// --- Development bypass -------------------------------------------
		if am.devMode {
			// Block dev bypass in production even if devMode was misconfigured.
			if env := os.Getenv("APP_ENV"); env == "production" {
				slog.Error("dev mode bypass attempted in production environment",
					"remote_addr", r.RemoteAddr,
				)
			} else {
				devUser := r.Header.Get("X-Dev-User-ID")
				if devUser != "" {
					tier := domain.Tier(r.Header.Get("X-Dev-Tier"))
					if tier == "" {
						tier = domain.TierFree
					}
					ctx := context.WithValue(r.Context(), UserIDKey, devUser)
					ctx = context.WithValue(ctx, TierKey, tier)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
		}

		// --- Extract bearer token ----------------------------------------
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, errCodeUnauthorized, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			writeError(w, http.StatusUnauthorized, errCodeUnauthorized, "invalid authorization header format")
			return
		}
		token := parts[1]

		// --- Decode and validate JWT -------------------------------------
		claims, err := am.validateJWT(token)
		if err != nil {
			slog.Warn("JWT validation failed",
				"error", err,
				"remote_addr", r.RemoteAddr,
			)
			writeError(w, http.StatusUnauthorized, errCodeUnauthorized, "invalid or expired token")
			return
		}

		userID, _ := claims["sub"].(string)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, errCodeUnauthorized, "token missing subject claim")
			return
		}

		tier := domain.TierFree
		if t, ok := claims["tier"].(string); ok && t != "" {
			tier = domain.Tier(t)
		}

		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		ctx = context.WithValue(ctx, TierKey, tier)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// jwtClaims is a minimal representation of the JWT payload.
type jwtClaims map[string]interface{}

// validateJWT performs HS256 signature verification and basic claim
// checks against the configured secret key.
func (am *AuthMiddleware) validateJWT(tokenStr string) (jwtClaims, error) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed JWT: expected 3 parts, got %d", len(parts))
	}

	headerB64, payloadB64, signatureB64 := parts[0], parts[1], parts[2]

	// --- Decode header to check algorithm --------------------------------
	headerBytes, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT header: %w", err)
	}
	var header map[string]interface{}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("failed to parse JWT header: %w", err)
	}
	alg, _ := header["alg"].(string)
	if alg != "HS256" {
		return nil, fmt.Errorf("unsupported JWT algorithm: %s", alg)
	}

	// --- Verify HMAC-SHA256 signature ------------------------------------
	signingInput := headerB64 + "." + payloadB64
	mac := hmac.New(sha256.New, []byte(am.secretKey))
	mac.Write([]byte(signingInput))
	expectedSig := mac.Sum(nil)

	actualSig, err := base64.RawURLEncoding.DecodeString(signatureB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT signature: %w", err)
	}

	if !hmac.Equal(expectedSig, actualSig) {
		return nil, fmt.Errorf("JWT signature verification failed")
	}

	// --- Decode payload --------------------------------------------------
	payloadBytes, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT payload: %w", err)
	}
	var claims jwtClaims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse JWT payload: %w", err)
	}

	// --- Validate standard claims ----------------------------------------
	now := time.Now().Unix()

	if exp, ok := claims["exp"].(float64); ok {
		if int64(exp)+clockSkewSeconds < now {
			return nil, fmt.Errorf("token expired")
		}
	}

	if nbf, ok := claims["nbf"].(float64); ok {
		if int64(nbf) > now+clockSkewSeconds {
			return nil, fmt.Errorf("token not yet valid")
		}
	}

	return claims, nil
}
