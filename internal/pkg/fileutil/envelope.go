package fileutil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/bytedance/sonic"
)

// ErrIncompatibleFormat is returned when a persisted file was written by an
// incompatible major version of the store format.
var ErrIncompatibleFormat = errors.New("incompatible store format")

// Envelope wraps persisted records with the format name and version that
// produced them.
type Envelope[T any] struct {
	Format  string `json:"format"`
	Version string `json:"version"`
	Records T      `json:"records"`
}

// Codec encodes and decodes one store format. Decoding accepts any version
// satisfying Constraint (e.g. "^1").
type Codec[T any] struct {
	Format     string
	Version    string
	Constraint string
}

func (c Codec[T]) Encode(records T) ([]byte, error) {
	return sonic.Marshal(Envelope[T]{
		Format:  c.Format,
		Version: c.Version,
		Records: records,
	})
}

// Decode returns the zero value for empty input.
func (c Codec[T]) Decode(data []byte) (T, error) {
	var zero T
	if len(strings.TrimSpace(string(data))) == 0 {
		return zero, nil
	}

	var env Envelope[T]
	if err := sonic.Unmarshal(data, &env); err != nil {
		return zero, fmt.Errorf("unmarshal %s: %w", c.Format, err)
	}
	if env.Format != "" && env.Format != c.Format {
		return zero, fmt.Errorf("%w: want format %q, got %q", ErrIncompatibleFormat, c.Format, env.Format)
	}
	if err := c.checkVersion(env.Version); err != nil {
		return zero, err
	}
	return env.Records, nil
}

func (c Codec[T]) checkVersion(raw string) error {
	if raw == "" || c.Constraint == "" {
		return nil
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("%w: bad version %q: %v", ErrIncompatibleFormat, raw, err)
	}
	constraint, err := semver.NewConstraint(c.Constraint)
	if err != nil {
		return fmt.Errorf("parse version constraint %q: %w", c.Constraint, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: %s %s does not satisfy %s", ErrIncompatibleFormat, c.Format, raw, c.Constraint)
	}
	return nil
}
