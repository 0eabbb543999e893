package cos

import (
	"crypto/rand"
	"fmt"

	"github.com/ddoucette/apphost/cmn/atomic"
	"github.com/teris-io/shortid"
)

const (
	// Alphabet for generating identity tokens, avoiding characters easily
	// confused when read off a terminal.
	uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"
)

const (
	LenShortID  = 9 // identity-token length, as per github.com/teris-io/shortid
	lenDaemonID = 8

	tooLongID = 32
)

const (
	mayOnlyContain = "may only contain letters, numbers, dashes (-), underscores (_)"
	OnlyNice       = "must be at most 32 characters and " + mayOnlyContain
)

var (
	sid  *shortid.Shortid
	rtie atomic.Uint32
)

func InitShortID(seed uint64) {
	sid = shortid.MustNew(4 /*worker*/, uuidABC, seed)
}

func init() {
	InitShortID(cryptoSeed())
}

//
// identity tokens
//

// GenUUID generates the opaque, stable identity token carried by a Service
// descriptor (§3). The discovery beacon's uuid field comes from
// github.com/google/uuid, not from here.
func GenUUID() (uuid string) {
	var h, t string
	uuid = sid.MustGenerate()
	if !isAlpha(uuid[0]) {
		tie := int(rtie.Add(1))
		h = string(rune('A' + tie%26))
	}
	c := uuid[len(uuid)-1]
	if c == '-' || c == '_' {
		tie := int(rtie.Add(1))
		t = string(rune('a' + tie%26))
	}
	return h + uuid + t
}

func IsValidUUID(uuid string) bool {
	return len(uuid) >= LenShortID && IsAlphaNice(uuid)
}

//
// daemon/endpoint identifiers
//

func GenDaemonID() string { return CryptoRandS(lenDaemonID) }

func ValidateDaemonID(id string) error {
	if len(id) < lenDaemonID {
		return fmt.Errorf("id %q is too short", id)
	}
	if !IsAlphaNice(id) {
		return fmt.Errorf("id %q is invalid: "+OnlyNice, id)
	}
	return nil
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// IsAlphaNice reports whether s is letters/numbers with interior-only '-'/'_'.
func IsAlphaNice(s string) bool {
	l := len(s)
	if l > tooLongID {
		return false
	}
	for i := range l {
		c := s[i]
		if isAlpha(c) || (c >= '0' && c <= '9') {
			continue
		}
		if c != '-' && c != '_' {
			return false
		}
		if i == 0 || i == l-1 {
			return false
		}
	}
	return true
}

// CryptoRandS returns a cryptographically random alphanumeric string of
// length n, used anywhere a collision-resistant token is needed but a
// shortid-style encoding is not (e.g. GenDaemonID).
func CryptoRandS(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}

func cryptoSeed() uint64 {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return 1
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
