// Package fingerprint parses OpenSSH public key material and computes the
// fingerprints used as natural key identifiers across the system.
//
// Input lines may come from authorized_keys files (optionally prefixed with
// options such as command="..." or from="..."), from *.pub identity files,
// or from sshd log messages. SHA256 fingerprints are rendered the OpenSSH
// way ("SHA256:" + unpadded base64); MD5 as colon-separated lower hex pairs.
package fingerprint

import (
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrMalformedKey is returned for lines that cannot be parsed as a public key.
var ErrMalformedKey = errors.New("malformed public key")

// Key type names as stored in the database.
const (
	TypeRSA     = "rsa"
	TypeEd25519 = "ed25519"
	TypeECDSA   = "ecdsa"
	TypeDSA     = "dsa"
	TypeUnknown = "unknown"
)

// PublicKey is the parsed, fingerprinted form of a single public key line.
// It never carries private key material.
type PublicKey struct {
	KeyType           string   // rsa, ed25519, ecdsa, dsa, unknown
	Bits              int      // 0 when the size cannot be determined
	FingerprintSHA256 string   // "SHA256:" + base64, no padding
	FingerprintMD5    string   // lower hex pairs, colon-joined
	Comment           string   // trailing comment field, may be empty
	Options           []string // authorized_keys options, already stripped
}

// Parse parses one public key line. authorized_keys option prefixes are
// consumed with quote-aware splitting before the key type token. Blank
// lines and comment lines are malformed by definition; callers filter
// those before asking for a fingerprint.
func Parse(line string) (*PublicKey, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return nil, fmt.Errorf("%w: empty or comment line", ErrMalformedKey)
	}

	pub, comment, options, _, err := ssh.ParseAuthorizedKey([]byte(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	return &PublicKey{
		KeyType:           DetectKeyType(pub.Type()),
		Bits:              keyBits(pub),
		FingerprintSHA256: ssh.FingerprintSHA256(pub),
		FingerprintMD5:    ssh.FingerprintLegacyMD5(pub),
		Comment:           comment,
		Options:           options,
	}, nil
}

// DetectKeyType maps an SSH wire-format type token to the short key type
// name. Certificate variants map to their base algorithm.
func DetectKeyType(typeToken string) string {
	t := strings.TrimSuffix(typeToken, "-cert-v01@openssh.com")
	switch {
	case t == ssh.KeyAlgoRSA:
		return TypeRSA
	case t == ssh.KeyAlgoED25519:
		return TypeEd25519
	case strings.HasPrefix(t, "ecdsa-sha2-"):
		return TypeECDSA
	case t == ssh.KeyAlgoDSA:
		return TypeDSA
	default:
		return TypeUnknown
	}
}

// keyBits recovers the key size where it is cheap to do so.
func keyBits(pub ssh.PublicKey) int {
	switch DetectKeyType(pub.Type()) {
	case TypeEd25519:
		return 256
	case TypeECDSA:
		// Curve size is encoded in the type token: ecdsa-sha2-nistp256.
		t := pub.Type()
		if i := strings.LastIndex(t, "nistp"); i >= 0 {
			switch t[i+len("nistp"):] {
			case "256":
				return 256
			case "384":
				return 384
			case "521":
				return 521
			}
		}
		if ck, ok := pub.(ssh.CryptoPublicKey); ok {
			if ec, ok := ck.CryptoPublicKey().(*ecdsa.PublicKey); ok {
				return ec.Curve.Params().BitSize
			}
		}
	case TypeRSA:
		if ck, ok := pub.(ssh.CryptoPublicKey); ok {
			if k, ok := ck.CryptoPublicKey().(*rsa.PublicKey); ok {
				return k.N.BitLen()
			}
		}
	case TypeDSA:
		if ck, ok := pub.(ssh.CryptoPublicKey); ok {
			if k, ok := ck.CryptoPublicKey().(*dsa.PublicKey); ok {
				return k.P.BitLen()
			}
		}
	}
	return 0
}

// NormalizeSHA256 reduces a SHA256 fingerprint to its comparable form:
// the bare base64 body without the "SHA256:" prefix or '=' padding.
// Idempotent.
func NormalizeSHA256(fp string) string {
	s := strings.TrimSpace(fp)
	s = strings.TrimPrefix(s, "SHA256:")
	s = strings.TrimPrefix(s, "sha256:")
	return strings.TrimRight(s, "=")
}

// NormalizeMD5 reduces an MD5 fingerprint to lower hex pairs joined by
// colons, accepting an optional "MD5:" prefix and bare 32-char hex input.
// Idempotent.
func NormalizeMD5(fp string) string {
	s := strings.ToLower(strings.TrimSpace(fp))
	s = strings.TrimPrefix(s, "md5:")
	if !strings.Contains(s, ":") && len(s) == 32 {
		var b strings.Builder
		for i := 0; i < len(s); i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(s[i : i+2])
		}
		return b.String()
	}
	return s
}

// Match reports whether two fingerprint strings identify the same key,
// tolerating prefix, padding, and case differences between renderings.
// Fingerprints of different digest algorithms never match.
func Match(a, b string) bool {
	na, nb := normalizeAny(a), normalizeAny(b)
	return na != "" && na == nb
}

func normalizeAny(fp string) string {
	s := strings.TrimSpace(fp)
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "md5:") || looksLikeMD5(lower) {
		return "md5/" + NormalizeMD5(s)
	}
	return "sha256/" + NormalizeSHA256(s)
}

// looksLikeMD5 accepts xx:xx:... hex pair strings and bare 32-char hex.
func looksLikeMD5(s string) bool {
	stripped := strings.ReplaceAll(s, ":", "")
	if len(stripped) != 32 {
		return false
	}
	for _, c := range stripped {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
