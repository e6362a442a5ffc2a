// Package turnrest mints coturn-compatible TURN REST credentials for the
// /ice endpoint, so clients get short-lived TURN access without the relay
// ever handing out a static credential.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username   = <unix_expiry_timestamp>:<username_prefix>:<random_id>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Generator derives ephemeral TURN credentials from a shared secret.
type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// GeneratorConfig configures a Generator. Now is injectable for tests.
type GeneratorConfig struct {
	Secret string
	TTL    time.Duration
	Prefix string
	Now    func() time.Time
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "meshpath"
	}
	if strings.Contains(cfg.Prefix, ":") {
		return nil, errors.New("username prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{
		secret: []byte(cfg.Secret),
		ttl:    cfg.TTL,
		prefix: cfg.Prefix,
		now:    cfg.Now,
	}, nil
}

// Credentials is one ephemeral username/credential pair. The expiry is
// embedded in the username, which is how coturn enforces it.
type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generate mints credentials valid for the configured TTL.
func (g *Generator) Generate() Credentials {
	expiryUnix := g.now().UTC().Unix() + int64(g.ttl/time.Second)
	username := fmt.Sprintf("%d:%s:%s", expiryUnix, g.prefix, uuid.NewString())
	mac := hmac.New(sha1.New, g.secret)
	mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiryUnix,
	}
}
