// Package idgen produces synthetic identifiers shaped like the ones a
// hospital system hands out: a run of uppercase letters, a fixed run of
// zeros, then random digits.
//
// Identifiers are not checked for uniqueness. With the default templates a
// collision is unlikely at test scale but not impossible.
package idgen

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
)

const (
	letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digits  = "0123456789"
)

// Template describes an identifier as letters, then literal zeros, then
// random digits.
type Template struct {
	Letters int
	Zeros   int
	Digits  int
}

// Length is the total identifier length.
func (t Template) Length() int {
	return t.Letters + t.Zeros + t.Digits
}

func (t Template) String() string {
	return fmt.Sprintf("%d:%d:%d", t.Letters, t.Zeros, t.Digits)
}

// ParseTemplate reads the "letters:zeros:digits" form.
func ParseTemplate(s string) (Template, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return Template{}, fmt.Errorf("identifier template %q: want letters:zeros:digits", s)
	}
	var n [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 {
			return Template{}, fmt.Errorf("identifier template %q: bad count %q", s, p)
		}
		n[i] = v
	}
	return Template{Letters: n[0], Zeros: n[1], Digits: n[2]}, nil
}

// Default templates per identifier kind.
var (
	MedicalRecordTemplate = Template{Letters: 2, Zeros: 3, Digits: 5}
	PublicIndexTemplate   = Template{Letters: 2, Zeros: 0, Digits: 5}
	HubTemplate           = Template{Letters: 4, Zeros: 1, Digits: 6}
	AccountTemplate       = Template{Letters: 2, Zeros: 5, Digits: 5}
)

// Generator draws identifiers from a random source. The zero value is not
// usable; call New or NewWithSource.
type Generator struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// New returns a generator seeded from the runtime's random source.
func New() *Generator {
	return NewWithSource(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// NewWithSource returns a generator over src, for reproducible output.
func NewWithSource(src rand.Source) *Generator {
	return &Generator{rnd: rand.New(src)}
}

// Generate returns letterCount random uppercase letters, zeroCount '0'
// characters and digitCount random digits, in that order.
func (g *Generator) Generate(letterCount, zeroCount, digitCount int) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var b strings.Builder
	b.Grow(letterCount + zeroCount + digitCount)
	for i := 0; i < letterCount; i++ {
		b.WriteByte(letters[g.rnd.IntN(len(letters))])
	}
	for i := 0; i < zeroCount; i++ {
		b.WriteByte('0')
	}
	for i := 0; i < digitCount; i++ {
		b.WriteByte(digits[g.rnd.IntN(len(digits))])
	}
	return b.String()
}

// FromTemplate is Generate with the counts taken from t.
func (g *Generator) FromTemplate(t Template) string {
	return g.Generate(t.Letters, t.Zeros, t.Digits)
}
