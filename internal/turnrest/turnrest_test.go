package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestGenerateCoturnCompatible(t *testing.T) {
	fixed := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	g, err := NewGenerator(GeneratorConfig{
		Secret: "shhh",
		TTL:    time.Hour,
		Prefix: "relay",
		Now:    func() time.Time { return fixed },
	})
	if err != nil {
		t.Fatal(err)
	}

	creds := g.Generate()

	parts := strings.SplitN(creds.Username, ":", 3)
	if len(parts) != 3 {
		t.Fatalf("username = %q, want expiry:prefix:id", creds.Username)
	}
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		t.Fatalf("expiry %q not numeric", parts[0])
	}
	if want := fixed.Unix() + 3600; expiry != want || creds.ExpiryUnix != want {
		t.Fatalf("expiry = %d, want %d", expiry, want)
	}
	if parts[1] != "relay" {
		t.Fatalf("prefix = %q", parts[1])
	}

	mac := hmac.New(sha1.New, []byte("shhh"))
	mac.Write([]byte(creds.Username))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); creds.Credential != want {
		t.Fatalf("credential = %q, want %q", creds.Credential, want)
	}
}

func TestGenerateUniquePerCall(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{Secret: "s", TTL: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if g.Generate().Username == g.Generate().Username {
		t.Fatal("usernames repeat")
	}
}

func TestNewGeneratorValidation(t *testing.T) {
	if _, err := NewGenerator(GeneratorConfig{TTL: time.Minute}); err == nil {
		t.Fatal("missing secret accepted")
	}
	if _, err := NewGenerator(GeneratorConfig{Secret: "s"}); err == nil {
		t.Fatal("zero ttl accepted")
	}
	if _, err := NewGenerator(GeneratorConfig{Secret: "s", TTL: time.Minute, Prefix: "a:b"}); err == nil {
		t.Fatal("colon in prefix accepted")
	}
}
