package operations

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Manifest declares deployment-time overrides for registered operations
// without touching code: extra dependency edges and capability flags. It is
// loaded from a TOML file and merged into the discovered descriptors before
// resolution.
//
//	[[operation]]
//	identity = "2024_06_01_120000_seed_accounts"
//	depends_on = ["2024_05_01_000000_create_accounts"]
//	allowed_to_fail = true
type Manifest struct {
	Operations []ManifestEntry `toml:"operation"`
}

// ManifestEntry overrides one operation, addressed by identity.
type ManifestEntry struct {
	Identity          string     `toml:"identity"`
	DependsOn         []string   `toml:"depends_on"`
	Async             *bool      `toml:"async"`
	WithinTransaction *bool      `toml:"within_transaction"`
	AllowedToFail     *bool      `toml:"allowed_to_fail"`
	ScheduledAt       *time.Time `toml:"scheduled_at"`
	RetryAttempts     *uint      `toml:"retry_attempts"`
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: failed to parse manifest %s: %s", ErrConfiguration, path, err)
	}

	return &m, nil
}

// Apply merges the manifest into descs and returns the merged copy. An entry
// addressing an identity absent from descs is a configuration error, not a
// silent skip.
func (m *Manifest) Apply(descs []Descriptor) ([]Descriptor, error) {
	idx := make(map[string]int, len(descs))
	for i, d := range descs {
		idx[d.Identity()] = i
	}

	merged := make([]Descriptor, len(descs))
	copy(merged, descs)

	for _, entry := range m.Operations {
		i, ok := idx[entry.Identity]
		if !ok {
			return nil, fmt.Errorf("%w: manifest references unknown operation %q",
				ErrConfiguration, entry.Identity)
		}

		d := merged[i]
		d.DependsOn = append(append([]string{}, d.DependsOn...), entry.DependsOn...)
		if entry.Async != nil {
			d.Capabilities.Async = *entry.Async
		}
		if entry.WithinTransaction != nil {
			d.Capabilities.WithinTransaction = *entry.WithinTransaction
		}
		if entry.AllowedToFail != nil {
			d.Capabilities.AllowedToFail = *entry.AllowedToFail
		}
		if entry.ScheduledAt != nil {
			d.Capabilities.ScheduledAt = entry.ScheduledAt
		}
		if entry.RetryAttempts != nil {
			d.Capabilities.RetryAttempts = *entry.RetryAttempts
		}
		merged[i] = d
	}

	return merged, nil
}
