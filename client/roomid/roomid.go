// Package roomid generates room ids and participant identities.
package roomid

import (
	"math/rand/v2"
	"strings"
)

const (
	alphabet  = "abcdefghijklmnopqrstuvwxyz0123456789"
	partLen   = 4
	separator = "__"

	Unknown = "Unknown"
)

// New returns a room id of the form xxxx-xxxx.
func New() string {
	return random(partLen) + "-" + random(partLen)
}

// Valid reports whether id looks like an id made by New.
func Valid(id string) bool {
	first, second, ok := strings.Cut(id, "-")
	return ok && isPart(first) && isPart(second)
}

// Identity appends a random postfix to name so that participants with the
// same display name stay distinct.
func Identity(name string) string {
	return name + separator + random(partLen)
}

// StripPostfix returns display name of identity.
func StripPostfix(identity string) string {
	if identity == "" {
		return Unknown
	}
	name, _, _ := strings.Cut(identity, separator)
	return name
}

func random(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}

func isPart(s string) bool {
	if len(s) != partLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(alphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
