package crypto

import (
	"encoding/base64"
	"strings"

	"go.uber.org/zap"
)

// Storage encodings for obfuscated secrets. Only the base64 envelope is ever
// written; the two XOR envelopes remain readable for values stored by earlier
// releases.
const (
	prefixB64 = "b64:"
	prefixV2  = "v2:"
)

// Cipher obfuscates secrets for at-rest storage. This is reversible
// obfuscation, not authenticated encryption; the database and its backups are
// the trust boundary.
type Cipher struct {
	salt string
	log  *zap.Logger
}

func NewCipher(salt string, log *zap.Logger) *Cipher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cipher{salt: salt, log: log.Named("ttn.crypto")}
}

// Obfuscate encodes a secret for storage. Always emits the b64 envelope.
func (c *Cipher) Obfuscate(secret string) string {
	if secret == "" {
		return ""
	}
	return prefixB64 + base64.StdEncoding.EncodeToString([]byte(secret))
}

// Deobfuscate decodes a stored value in any of the supported envelopes.
// Failures return an empty string: a stored secret that cannot be recovered
// is reported through the credential state, never as a caller-facing error.
func (c *Cipher) Deobfuscate(encoded string) string {
	switch {
	case encoded == "":
		return ""
	case strings.HasPrefix(encoded, prefixB64):
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, prefixB64))
		if err != nil {
			c.log.Warn("failed to decode stored secret", zap.String("format", "b64"), zap.Error(err))
			return ""
		}
		return string(decoded)
	case strings.HasPrefix(encoded, prefixV2):
		return c.decodeXORBytes(strings.TrimPrefix(encoded, prefixV2))
	default:
		return c.decodeXORLegacy(encoded)
	}
}

// decodeXORBytes reverses the v2 envelope: base64 of the secret's UTF-8 bytes
// XORed with the salt's UTF-8 bytes.
func (c *Cipher) decodeXORBytes(encoded string) string {
	if c.salt == "" {
		c.log.Warn("cannot decode stored secret without salt", zap.String("format", "v2"))
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		c.log.Warn("failed to decode stored secret", zap.String("format", "v2"), zap.Error(err))
		return ""
	}

	salt := []byte(c.salt)
	out := make([]byte, len(decoded))
	for i, b := range decoded {
		out[i] = b ^ salt[i%len(salt)]
	}
	return string(out)
}

// decodeXORLegacy reverses the oldest envelope: the base64-decoded value is
// treated as a sequence of Latin-1 characters and XORed against the salt's
// characters, matching the bit pattern of historically stored values.
func (c *Cipher) decodeXORLegacy(encoded string) string {
	if c.salt == "" {
		c.log.Warn("cannot decode stored secret without salt", zap.String("format", "legacy"))
		return ""
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		c.log.Warn("failed to decode stored secret", zap.String("format", "legacy"), zap.Error(err))
		return ""
	}

	salt := []rune(c.salt)
	out := make([]rune, len(decoded))
	for i, b := range decoded {
		out[i] = rune(b) ^ salt[i%len(salt)]
	}
	return string(out)
}

// Last4 returns the displayable suffix of a secret.
func Last4(secret string) string {
	if len(secret) <= 4 {
		return secret
	}
	return secret[len(secret)-4:]
}
