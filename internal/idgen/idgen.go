// Package idgen produces document ids.
package idgen

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/oklog/ulid/v2"
	"github.com/segmentio/ksuid"
)

// Generator creates and checks ids of one scheme.
type Generator interface {
	Generate() (string, error)
	Validate(id string) error
}

// Config selects the id scheme.
type Config struct {
	Type         string `mapstructure:"type"` // ulid, ksuid, uuid, nanoid
	NanoIDSize   int    `mapstructure:"nanoid_size"`
	NanoAlphabet string `mapstructure:"nanoid_alphabet"`
}

const (
	DefaultNanoIDSize     = 20
	DefaultNanoIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// New returns the generator for cfg.Type. ULID is the default because its
// ids sort by creation time.
func New(cfg Config) (Generator, error) {
	switch cfg.Type {
	case "", "ulid":
		return NewULIDGenerator(), nil
	case "ksuid":
		return KSUIDGenerator{}, nil
	case "uuid":
		return NewUUIDGenerator(), nil
	case "nanoid":
		size, alphabet := cfg.NanoIDSize, cfg.NanoAlphabet
		if size == 0 {
			size = DefaultNanoIDSize
		}
		if alphabet == "" {
			alphabet = DefaultNanoIDAlphabet
		}
		return NewNanoIDGenerator(size, alphabet)
	default:
		return nil, fmt.Errorf("unknown id type %q", cfg.Type)
	}
}

// ULIDGenerator emits ULIDs that increase strictly within a process.
type ULIDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *ULIDGenerator) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), g.entropy)
	if err != nil {
		return "", fmt.Errorf("generate ulid: %w", err)
	}
	return id.String(), nil
}

func (g *ULIDGenerator) Validate(id string) error {
	if _, err := ulid.ParseStrict(id); err != nil {
		return fmt.Errorf("invalid ulid %q: %w", id, err)
	}
	return nil
}

// KSUIDGenerator emits KSUIDs.
type KSUIDGenerator struct{}

func (KSUIDGenerator) Generate() (string, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate ksuid: %w", err)
	}
	return id.String(), nil
}

func (KSUIDGenerator) Validate(id string) error {
	if _, err := ksuid.Parse(id); err != nil {
		return fmt.Errorf("invalid ksuid %q: %w", id, err)
	}
	return nil
}

// UUIDGenerator emits random v4 UUIDs.
type UUIDGenerator struct{}

func NewUUIDGenerator() UUIDGenerator { return UUIDGenerator{} }

func (UUIDGenerator) Generate() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}

func (UUIDGenerator) Validate(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid uuid %q: %w", id, err)
	}
	return nil
}

// NanoIDGenerator emits NanoIDs of a fixed size over an alphabet.
type NanoIDGenerator struct {
	size     int
	alphabet string
}

func NewNanoIDGenerator(size int, alphabet string) (*NanoIDGenerator, error) {
	if size < 1 || size > 256 {
		return nil, fmt.Errorf("nanoid size must be between 1 and 256, got %d", size)
	}
	if len(alphabet) < 2 {
		return nil, fmt.Errorf("nanoid alphabet must have at least 2 characters, got %d", len(alphabet))
	}
	return &NanoIDGenerator{size: size, alphabet: alphabet}, nil
}

func (g *NanoIDGenerator) Generate() (string, error) {
	id, err := gonanoid.Generate(g.alphabet, g.size)
	if err != nil {
		return "", fmt.Errorf("generate nanoid: %w", err)
	}
	return id, nil
}

func (g *NanoIDGenerator) Validate(id string) error {
	if len(id) != g.size {
		return fmt.Errorf("invalid nanoid %q: expected length %d", id, g.size)
	}
	for _, c := range id {
		if !containsRune(g.alphabet, c) {
			return fmt.Errorf("invalid nanoid %q: character %q not in alphabet", id, c)
		}
	}
	return nil
}

func containsRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}
