// Package turnrest issues coturn-compatible ephemeral TURN credentials
// (the `use-auth-secret` / TURN REST scheme).
//
// Clients fetching the ICE server list get a short-lived username/credential
// pair instead of a static TURN secret:
//
//	username   = <unix_expiry>:<prefix>:<connection_id_or_random>
//	credential = base64(hmac_sha1(shared_secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Generator struct {
	sharedSecret   []byte
	ttl            time.Duration
	usernamePrefix string
	now            func() time.Time
	randomID       func() (string, error)
}

type GeneratorConfig struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now and RandomID are test seams; nil means time.Now and a
	// crypto/rand hex id.
	Now      func() time.Time
	RandomID func() (string, error)
}

func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if strings.TrimSpace(cfg.SharedSecret) == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("turnrest: TTL must be > 0")
	}
	if cfg.UsernamePrefix == "" {
		return nil, errors.New("turnrest: username prefix is required")
	}
	if strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: username prefix must not contain ':'")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RandomID == nil {
		cfg.RandomID = randomHexID
	}
	return &Generator{
		sharedSecret:   []byte(cfg.SharedSecret),
		ttl:            cfg.TTL,
		usernamePrefix: cfg.UsernamePrefix,
		now:            cfg.Now,
		randomID:       cfg.RandomID,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiryUnix int64
}

// Generate derives credentials bound to id (typically the signaling
// connection id, so abuse can be traced back).
func (g *Generator) Generate(id string) (Credentials, error) {
	if id == "" {
		return Credentials{}, errors.New("turnrest: id is required")
	}
	if strings.Contains(id, ":") {
		return Credentials{}, errors.New("turnrest: id must not contain ':'")
	}
	expiry := g.now().UTC().Unix() + int64(g.ttl/time.Second)
	username := fmt.Sprintf("%d:%s:%s", expiry, g.usernamePrefix, id)

	mac := hmac.New(sha1.New, g.sharedSecret)
	_, _ = mac.Write([]byte(username))

	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiryUnix: expiry,
	}, nil
}

// GenerateRandom issues credentials with a random id, for anonymous clients.
func (g *Generator) GenerateRandom() (Credentials, error) {
	id, err := g.randomID()
	if err != nil {
		return Credentials{}, err
	}
	return g.Generate(id)
}

func randomHexID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
