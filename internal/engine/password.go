package engine

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/md4" //nolint:staticcheck // NT hashes are MD4 by definition
)

const (
	upperChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerChars = "abcdefghijklmnopqrstuvwxyz"
	digitChars = "0123456789"
)

// CredentialPolicy holds the password composition rules.
type CredentialPolicy struct {
	Length       int
	SpecialChars string
	BannedChars  string
}

// Generator produces random passwords satisfying a CredentialPolicy.
// Generated plaintext is write-only: callers hash it into the single
// operation that sets it and never store or log it.
type Generator struct {
	classes  [][]rune
	alphabet []rune
	length   int
}

// NewGenerator validates the policy and builds a generator. Construction
// fails when the banned set empties a required character class or the
// length cannot accommodate one character from each class; failing here is
// a configuration error, never a silently weaker password.
func NewGenerator(policy CredentialPolicy) (*Generator, error) {
	classNames := []string{"uppercase", "lowercase", "digit", "special"}
	classSources := []string{upperChars, lowerChars, digitChars, policy.SpecialChars}

	g := &Generator{length: policy.Length}
	for i, source := range classSources {
		class := removeRunes(source, policy.BannedChars)
		if len(class) == 0 {
			return nil, fmt.Errorf("credential policy leaves no usable %s characters", classNames[i])
		}
		g.classes = append(g.classes, class)
		g.alphabet = append(g.alphabet, class...)
	}

	if policy.Length < len(g.classes) {
		return nil, fmt.Errorf("password length %d cannot cover %d required character classes", policy.Length, len(g.classes))
	}

	return g, nil
}

// Generate produces one password of exactly the configured length with at
// least one character from every class, drawn from a cryptographically
// secure source.
func (g *Generator) Generate() (string, error) {
	password := make([]rune, 0, g.length)

	// One pick per class guarantees class coverage; the remainder comes
	// from the full alphabet. A random shuffle hides the class positions.
	for _, class := range g.classes {
		r, err := pickRune(class)
		if err != nil {
			return "", err
		}
		password = append(password, r)
	}
	for len(password) < g.length {
		r, err := pickRune(g.alphabet)
		if err != nil {
			return "", err
		}
		password = append(password, r)
	}

	if err := shuffleRunes(password); err != nil {
		return "", err
	}

	return string(password), nil
}

func removeRunes(source, banned string) []rune {
	kept := make([]rune, 0, len(source))
	for _, r := range source {
		if !strings.ContainsRune(banned, r) {
			kept = append(kept, r)
		}
	}
	return kept
}

func pickRune(from []rune) (rune, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(from))))
	if err != nil {
		return 0, fmt.Errorf("random source failure: %w", err)
	}
	return from[n.Int64()], nil
}

func shuffleRunes(runes []rune) error {
	for i := len(runes) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return fmt.Errorf("random source failure: %w", err)
		}
		j := n.Int64()
		runes[i], runes[j] = runes[j], runes[i]
	}
	return nil
}

// NTHash returns the Windows NT hash of a password: MD4 over the UTF-16LE
// encoding, uppercase hex. Stored in sambaNTPassword.
func NTHash(password string) string {
	encoded := utf16.Encode([]rune(password))
	buf := make([]byte, 2*len(encoded))
	for i, u := range encoded {
		buf[2*i] = byte(u)
		buf[2*i+1] = byte(u >> 8)
	}

	h := md4.New()
	h.Write(buf)
	return strings.ToUpper(fmt.Sprintf("%x", h.Sum(nil)))
}

// SSHA512Hash returns a salted SHA-512 password hash in the RFC 2307 style
// used for userPassword: "{SSHA512}" followed by base64(digest + salt).
func SSHA512Hash(password string) (string, error) {
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("random source failure: %w", err)
	}

	h := sha512.New()
	h.Write([]byte(password))
	h.Write(salt)
	digest := h.Sum(nil)

	return "{SSHA512}" + base64.StdEncoding.EncodeToString(append(digest, salt...)), nil
}
