package authkey

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/keithlinneman/lmlabs-api/internal/xerrors"
)

// Source yields the key used to verify bearer tokens: a []byte HMAC secret or
// a crypto.PublicKey.
type Source interface {
	Key(ctx context.Context) (any, error)
}

// Static serves a key known at startup.
type Static struct {
	key any
}

func NewStatic(key any) *Static { return &Static{key: key} }

func (s *Static) Key(context.Context) (any, error) {
	if s == nil || s.key == nil {
		return nil, xerrors.New("static key is not configured")
	}
	return s.key, nil
}

// keyCache holds the first successfully loaded key. Failed loads are not
// cached so the next request retries.
type keyCache struct {
	mu  sync.RWMutex
	key any
}

func (c *keyCache) get(ctx context.Context, load func(context.Context) (any, error)) (any, error) {
	c.mu.RLock()
	if c.key != nil {
		defer c.mu.RUnlock()
		return c.key, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	// double-check after acquiring write lock
	if c.key != nil {
		return c.key, nil
	}

	key, err := load(ctx)
	if err != nil {
		return nil, err
	}
	c.key = key
	return c.key, nil
}

// DefaultFetchTimeout bounds a key fetch triggered from inside token parsing,
// which has no request context of its own.
const DefaultFetchTimeout = 5 * time.Second

// Keyfunc adapts src to jwt.Keyfunc. Warm the source at startup so requests
// only ever hit the cache.
func Keyfunc(src Source) jwt.Keyfunc {
	return func(*jwt.Token) (any, error) {
		if src == nil {
			return nil, xerrors.New("no key source configured")
		}
		ctx, cancel := context.WithTimeout(context.Background(), DefaultFetchTimeout)
		defer cancel()
		return src.Key(ctx)
	}
}

// ParsePublicKeyPEM accepts PKIX ("PUBLIC KEY"), PKCS#1 ("RSA PUBLIC KEY")
// and certificate PEM blocks.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, xerrors.New("no PEM block found")
	}

	switch strings.ToUpper(block.Type) {
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, xerrors.Wrap(err, "parse PKIX public key")
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := jwt.ParseRSAPublicKeyFromPEM(data)
		if err != nil {
			return nil, xerrors.Wrap(err, "parse PKCS1 public key")
		}
		return pub, nil
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, xerrors.Wrap(err, "parse certificate")
		}
		return cert.PublicKey, nil
	default:
		return nil, xerrors.Newf("unsupported PEM block type %q", block.Type)
	}
}
