package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

func TestGenerate(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "secret",
		TTL:            time.Hour,
		UsernamePrefix: "univo",
		Now:            fixedNow,
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("conn-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	wantExpiry := fixedNow().Unix() + 3600
	if creds.ExpiryUnix != wantExpiry {
		t.Fatalf("expiry = %d, want %d", creds.ExpiryUnix, wantExpiry)
	}
	if !strings.HasSuffix(creds.Username, ":univo:conn-1") {
		t.Fatalf("username = %q", creds.Username)
	}

	mac := hmac.New(sha1.New, []byte("secret"))
	mac.Write([]byte(creds.Username))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if creds.Credential != want {
		t.Fatalf("credential = %q, want %q", creds.Credential, want)
	}
}

func TestGenerateRejectsColonID(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "secret",
		TTL:            time.Hour,
		UsernamePrefix: "univo",
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if _, err := g.Generate("a:b"); err == nil {
		t.Fatalf("expected error for id containing ':'")
	}
}

func TestNewGeneratorValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  GeneratorConfig
	}{
		{"missing secret", GeneratorConfig{TTL: time.Hour, UsernamePrefix: "univo"}},
		{"zero ttl", GeneratorConfig{SharedSecret: "s", UsernamePrefix: "univo"}},
		{"missing prefix", GeneratorConfig{SharedSecret: "s", TTL: time.Hour}},
		{"colon prefix", GeneratorConfig{SharedSecret: "s", TTL: time.Hour, UsernamePrefix: "a:b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewGenerator(tc.cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestGenerateRandom(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret:   "secret",
		TTL:            time.Hour,
		UsernamePrefix: "univo",
		RandomID:       func() (string, error) { return "deadbeef", nil },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	creds, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	if !strings.HasSuffix(creds.Username, ":univo:deadbeef") {
		t.Fatalf("username = %q", creds.Username)
	}
}
