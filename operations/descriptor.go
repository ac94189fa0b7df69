package operations

import (
	"fmt"
	"regexp"
	"time"

	"github.com/Masterminds/semver/v3"
)

// TimestampKeyLayout is the time layout of the sortable prefix embedded in
// every operation identity, e.g. "2024_06_01_120000".
const TimestampKeyLayout = "2006_01_02_150405"

var timestampKeyRe = regexp.MustCompile(`^\d{4}_\d{2}_\d{2}_\d{6}$`)

// ValidTimestampKey reports whether key is a well-formed timestamp key.
func ValidTimestampKey(key string) bool {
	if !timestampKeyRe.MatchString(key) {
		return false
	}
	_, err := time.Parse(TimestampKeyLayout, key)

	return err == nil
}

// Capabilities is the set of behaviors an operation declares. It is checked
// by the engine through the flags rather than through runtime type
// inspection of the operation itself.
type Capabilities struct {
	// Async marks the operation for background dispatch instead of
	// synchronous foreground execution.
	Async bool `json:"async,omitempty" toml:"async"`

	// Rollbackable indicates the operation supplies a compensating action.
	Rollbackable bool `json:"rollbackable,omitempty" toml:"rollbackable"`

	// Conditional indicates the operation supplies a condition that gates
	// whether it should run at all.
	Conditional bool `json:"conditional,omitempty" toml:"conditional"`

	// WithinTransaction wraps the operation in an atomic transaction scope
	// when the backing store supports one.
	WithinTransaction bool `json:"within_transaction,omitempty" toml:"within_transaction"`

	// AllowedToFail marks the operation best-effort: a failure is recorded
	// but does not halt the run or trigger rollback of siblings.
	AllowedToFail bool `json:"allowed_to_fail,omitempty" toml:"allowed_to_fail"`

	// ScheduledAt defers the operation until the given time has passed.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty" toml:"scheduled_at"`

	// RetryAttempts, when greater than one, retries a failing synchronous
	// execution up to the given number of attempts before recording failure.
	RetryAttempts uint `json:"retry_attempts,omitempty" toml:"retry_attempts"`
}

// Descriptor identifies a discovered operation and its declared shape.
// It is immutable once discovered: the resolver and engines copy rather
// than mutate it.
type Descriptor struct {
	// TimestampKey is the sortable discovery prefix, see TimestampKeyLayout.
	TimestampKey string `json:"timestamp_key"`

	// Name is the human-readable operation name, unique per timestamp key.
	Name string `json:"name"`

	// Version is the operation semver version.
	Version *semver.Version `json:"version"`

	Capabilities Capabilities `json:"capabilities"`

	// DependsOn lists identities of operations that must reach a terminal
	// state before this one may start.
	DependsOn []string `json:"depends_on,omitempty"`
}

// Identity returns the globally unique identity of the operation: the
// timestamp key joined with the name. Identities sort lexicographically in
// discovery (timestamp) order.
func (d Descriptor) Identity() string {
	return d.TimestampKey + "_" + d.Name
}

// HasDependencies reports whether the descriptor declares dependency edges.
func (d Descriptor) HasDependencies() bool {
	return len(d.DependsOn) > 0
}

// Validate checks the descriptor's identity components.
func (d Descriptor) Validate() error {
	if !ValidTimestampKey(d.TimestampKey) {
		return fmt.Errorf("%w: invalid timestamp key %q (want layout %s)",
			ErrConfiguration, d.TimestampKey, TimestampKeyLayout)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: operation at %s has an empty name", ErrConfiguration, d.TimestampKey)
	}

	return nil
}
