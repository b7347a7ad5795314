package auth

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/keithlinneman/lmlabs-api/internal/apierr"
)

// Failure reasons passed to Config.OnFailure, safe to use as metric labels.
const (
	ReasonMissing = "missing"
	ReasonScheme  = "scheme"
	ReasonInvalid = "invalid"
	ReasonClaims  = "claims"
)

// Config configures the JWT authorizer.
type Config struct {
	// Keyfunc resolves the verification key, see authkey.Keyfunc.
	Keyfunc jwt.Keyfunc
	// ValidMethods limits accepted signing algorithms. Empty uses DefaultValidMethods.
	ValidMethods []string
	Issuer       string
	Audience     string
	Leeway       time.Duration
	// CanonicalClaim names the claim holding the canonical id, falls back to "sub".
	CanonicalClaim string
	// Optional lets requests without an Authorization header through as anonymous.
	Optional bool

	// OnFailure is called with a reason label for every rejected request.
	OnFailure func(reason string)
	// Deny writes the rejection. nil writes the error as JSON with its status.
	Deny func(w http.ResponseWriter, r *http.Request, err *apierr.Error)
}

var DefaultValidMethods = []string{"HS256", "HS384", "HS512", "RS256", "RS384", "RS512", "PS256", "ES256", "ES384", "EdDSA"}

// JWTAuthorizer verifies bearer tokens and stores the resulting Context on the request.
func JWTAuthorizer(cfg Config) func(http.Handler) http.Handler {
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}
	if cfg.CanonicalClaim == "" {
		cfg.CanonicalClaim = "canonical_id"
	}
	methods := cfg.ValidMethods
	if len(methods) == 0 {
		methods = DefaultValidMethods
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	deny := func(w http.ResponseWriter, r *http.Request, reason, desc string) {
		if cfg.OnFailure != nil {
			cfg.OnFailure(reason)
		}
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+escapeAuthParam(desc)+`"`)
		err := apierr.Unauthorized("Unauthorized", map[string]any{"reason": desc})
		if cfg.Deny != nil {
			cfg.Deny(w, r, err)
			return
		}
		writeError(w, err)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			if authz == "" {
				if cfg.Optional {
					next.ServeHTTP(w, r)
					return
				}
				deny(w, r, ReasonMissing, "missing Authorization header")
				return
			}

			scheme, tokStr, ok := strings.Cut(authz, " ")
			tokStr = strings.TrimSpace(tokStr)
			if !ok || !strings.EqualFold(scheme, "Bearer") || tokStr == "" {
				deny(w, r, ReasonScheme, "invalid Authorization scheme")
				return
			}

			if cfg.Keyfunc == nil {
				deny(w, r, ReasonInvalid, "no verification key configured")
				return
			}

			tok, err := parser.ParseWithClaims(tokStr, jwt.MapClaims{}, cfg.Keyfunc)
			if err != nil {
				deny(w, r, ReasonInvalid, "token parse/verify failed: "+err.Error())
				return
			}
			claims, ok := tok.Claims.(jwt.MapClaims)
			if !ok || !tok.Valid {
				deny(w, r, ReasonClaims, "invalid token claims")
				return
			}

			ac, ok := contextFromClaims(claims, cfg.CanonicalClaim, tokStr)
			if !ok {
				deny(w, r, ReasonClaims, "token has no subject")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), ac)))
		})
	}
}

func contextFromClaims(claims jwt.MapClaims, canonicalClaim, token string) (Context, bool) {
	sub, _ := claims.GetSubject()
	if sub == "" {
		return Context{}, false
	}
	canonical, _ := claims[canonicalClaim].(string)
	if canonical == "" {
		canonical = sub
	}
	return Context{PrincipalID: sub, CanonicalID: canonical, Token: token}, true
}

func writeError(w http.ResponseWriter, err *apierr.Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"title":   err.PublicTitle(),
		"details": err.Details,
	})
}

// escapeAuthParam per RFC 6750 to safely include in WWW-Authenticate param
func escapeAuthParam(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return s
}
