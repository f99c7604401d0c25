package codes

import (
	"crypto/rand"
	"strings"
)

// Crockford-style alphabet without I, L, O, U so codes survive being read
// aloud over the phone.
const alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const (
	Prefix = "PET-"
	length = 7
)

// Petition returns a fresh human-referenceable query code like PET-4K9QZ2M.
func Petition() string {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		panic("codes: crypto/rand failed: " + err.Error())
	}
	var b strings.Builder
	b.Grow(len(Prefix) + length)
	b.WriteString(Prefix)
	for _, v := range buf {
		b.WriteByte(alphabet[int(v)%len(alphabet)])
	}
	return b.String()
}

// Valid reports whether s has the shape of a petition code.
func Valid(s string) bool {
	rest, ok := strings.CutPrefix(s, Prefix)
	if !ok || len(rest) != length {
		return false
	}
	for i := 0; i < len(rest); i++ {
		if strings.IndexByte(alphabet, rest[i]) < 0 {
			return false
		}
	}
	return true
}
