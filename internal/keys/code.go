package keys

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode"
)

// Codes avoid characters that are easy to misread (0/O, 1/I/L).
const (
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	groupSize    = 4
	groupCount   = 3
)

// Normalize strips whitespace and the separators "-", "_" and "." and
// upper-cases the rest.
func Normalize(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range code {
		if unicode.IsSpace(r) || r == '-' || r == '_' || r == '.' {
			continue
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// Format groups a normalized code into dash-separated blocks of four.
func Format(normalized string) string {
	if len(normalized) <= groupSize {
		return normalized
	}
	var b strings.Builder
	for i, r := range normalized {
		if i > 0 && i%groupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// candidates lists every stored spelling a typed code may correspond to.
// Input made only of separators has none.
func candidates(raw string) []string {
	norm := Normalize(raw)
	if norm == "" {
		return nil
	}
	out := make([]string, 0, 3)
	seen := map[string]bool{}
	for _, c := range []string{norm, Format(norm), strings.TrimSpace(raw)} {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func generateCode() (string, error) {
	base := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, groupSize*groupCount)
	for i := range buf {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return Format(string(buf)), nil
}
