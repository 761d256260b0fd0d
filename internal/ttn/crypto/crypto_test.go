package crypto

import (
	"encoding/base64"
	"strings"
	"testing"

	"go.uber.org/zap"
)

const testSalt = "orbit-salt-2021"

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	return NewCipher(testSalt, zap.NewNop())
}

func xorWithSalt(secret, salt string) []byte {
	saltBytes := []byte(salt)
	out := make([]byte, len(secret))
	for i, b := range []byte(secret) {
		out[i] = b ^ saltBytes[i%len(saltBytes)]
	}
	return out
}

func TestObfuscateAlwaysWritesB64(t *testing.T) {
	c := newTestCipher(t)

	encoded := c.Obfuscate("NNSXS.SECRETVALUE123")
	if !strings.HasPrefix(encoded, "b64:") {
		t.Fatalf("expected b64 envelope, got %q", encoded)
	}
	if got := c.Deobfuscate(encoded); got != "NNSXS.SECRETVALUE123" {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestDeobfuscateReadsAllHistoricalEncodings(t *testing.T) {
	c := newTestCipher(t)
	secret := "NNSXS.QWERTY.UIOP1234"

	cases := map[string]string{
		"b64":    "b64:" + base64.StdEncoding.EncodeToString([]byte(secret)),
		"v2":     "v2:" + base64.StdEncoding.EncodeToString(xorWithSalt(secret, testSalt)),
		"legacy": base64.StdEncoding.EncodeToString(xorWithSalt(secret, testSalt)),
	}

	for name, stored := range cases {
		if got := c.Deobfuscate(stored); got != secret {
			t.Errorf("%s: got %q, want %q", name, got, secret)
		}
	}
}

func TestDeobfuscateFailuresReturnEmpty(t *testing.T) {
	c := newTestCipher(t)

	for _, encoded := range []string{
		"",
		"b64:%%%not-base64%%%",
		"v2:%%%not-base64%%%",
		"%%%not-base64%%%",
	} {
		if got := c.Deobfuscate(encoded); got != "" {
			t.Errorf("expected empty result for %q, got %q", encoded, got)
		}
	}
}

func TestDeobfuscateXORWithoutSalt(t *testing.T) {
	c := NewCipher("", zap.NewNop())
	stored := "v2:" + base64.StdEncoding.EncodeToString([]byte("anything"))
	if got := c.Deobfuscate(stored); got != "" {
		t.Fatalf("expected empty result without salt, got %q", got)
	}
}

func TestLast4(t *testing.T) {
	if got := Last4("NNSXS.ABCDEF"); got != "CDEF" {
		t.Fatalf("got %q", got)
	}
	if got := Last4("abc"); got != "abc" {
		t.Fatalf("got %q", got)
	}
}
