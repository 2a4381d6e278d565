// internal/accesscode/generator.go
package accesscode

import (
	"math/rand/v2"
	"strconv"
	"sync"
)

const (
	Min = 1000
	Max = 9999
)

// Generator produces human-enterable locker codes. Uniqueness is the
// caller's concern.
type Generator interface {
	Generate() string
}

type generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator returns a Generator drawing from src. A nil src uses a
// randomly seeded PCG.
func NewGenerator(src rand.Source) Generator {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &generator{rng: rand.New(src)}
}

func (g *generator) Generate() string {
	g.mu.Lock()
	n := Min + g.rng.IntN(Max-Min+1)
	g.mu.Unlock()
	return strconv.Itoa(n)
}

// Valid reports whether code is exactly four ASCII digits.
func Valid(code string) bool {
	if len(code) != 4 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// Sequence returns a Generator that yields codes in order and then repeats
// the last one. Useful for forcing collisions.
func Sequence(codes ...string) Generator {
	return &sequence{codes: codes}
}

type sequence struct {
	mu    sync.Mutex
	codes []string
	i     int
}

func (s *sequence) Generate() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	code := s.codes[s.i]
	if s.i < len(s.codes)-1 {
		s.i++
	}
	return code
}
