// Package textfmt holds the small text helpers used by chat commands.
package textfmt

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Offsets into the Mathematical Alphanumeric Symbols block.
const (
	monoUpper = 0x1D670
	monoLower = 0x1D68A
	monoDigit = 0x1D7F6
)

// Monospace maps ASCII letters and digits to their monospace code points and
// leaves everything else untouched.
func Monospace(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 4)
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			b.WriteRune(monoUpper + (r - 'A'))
		case r >= 'a' && r <= 'z':
			b.WriteRune(monoLower + (r - 'a'))
		case r >= '0' && r <= '9':
			b.WriteRune(monoDigit + (r - '0'))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Runtime renders d as "1 day, 2 hours, 3 minutes, 4 seconds", omitting zero
// parts. Anything under a second is "0 seconds".
func Runtime(d time.Duration) string {
	if d < time.Second {
		return "0 seconds"
	}
	secs := int64(d / time.Second)
	units := []struct {
		size int64
		name string
	}{
		{86400, "day"},
		{3600, "hour"},
		{60, "minute"},
		{1, "second"},
	}

	var parts []string
	for _, u := range units {
		n := secs / u.size
		secs %= u.size
		if n == 0 {
			continue
		}
		name := u.name
		if n != 1 {
			name += "s"
		}
		parts = append(parts, fmt.Sprintf("%d %s", n, name))
	}
	return strings.Join(parts, ", ")
}

// FormatBytes renders n with binary units.
func FormatBytes(n uint64) string {
	return humanize.IBytes(n)
}

// IsNumber reports whether s starts with an integer.
func IsNumber(s string) bool {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || end == 0 && (s[end] == '-' || s[end] == '+')) {
		end++
	}
	_, err := strconv.ParseInt(s[:end], 10, 64)
	return err == nil
}

// VerifyJID reports whether jid addresses a user, a group or a broadcast list.
func VerifyJID(jid string) bool {
	return strings.HasSuffix(jid, "@s.whatsapp.net") ||
		strings.HasSuffix(jid, "@g.us") ||
		strings.HasSuffix(jid, "@broadcast")
}

// EncodeBase64 returns s in standard base64.
func EncodeBase64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

// DecodeBase64 decodes standard base64, ignoring surrounding whitespace.
func DecodeBase64(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeBinary renders every byte of s as eight binary digits, space separated.
func EncodeBinary(s string) string {
	parts := make([]string, 0, len(s))
	for i := 0; i < len(s); i++ {
		parts = append(parts, fmt.Sprintf("%08b", s[i]))
	}
	return strings.Join(parts, " ")
}

var ErrBadBinary = errors.New("not a binary string")

// DecodeBinary is the inverse of EncodeBinary.
func DecodeBinary(s string) (string, error) {
	fields := strings.Fields(s)
	out := make([]byte, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(f, 2, 8)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrBadBinary, f)
		}
		out = append(out, byte(v))
	}
	return string(out), nil
}
