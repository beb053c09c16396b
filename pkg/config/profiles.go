package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/lexsight/lattice/pkg/domain"
)

// Profile is one named, validated constraint pipeline configuration.
type Profile struct {
	// Name is the profile's key in the profiles file.
	Name string `json:"name" yaml:"name"`

	// MaxPasses bounds the convergence loop for runs built from this
	// profile. Files may omit it; the default is domain.DefaultMaxPasses.
	MaxPasses int `json:"max_passes" yaml:"max_passes"`

	// Constraints are applied in declaration order.
	Constraints []domain.ConstraintSpec `json:"constraints" yaml:"constraints"`
}

// Request builds a pipeline request for this profile over the given text.
func (p Profile) Request(runID, text string, metadata map[string]any) domain.PipelineRequest {
	return domain.PipelineRequest{
		RunID:       runID,
		InputText:   text,
		Constraints: p.Constraints,
		MaxPasses:   p.MaxPasses,
		Metadata:    metadata,
	}
}

// Fingerprint returns a stable sha256 hex digest of the profile's effective
// configuration. encoding/json sorts map keys, so the digest is independent
// of parameter declaration order.
func (p Profile) Fingerprint() string {
	canonical := struct {
		MaxPasses   int                     `json:"max_passes"`
		Constraints []domain.ConstraintSpec `json:"constraints"`
	}{MaxPasses: p.MaxPasses, Constraints: p.Constraints}

	data, err := json.Marshal(canonical)
	if err != nil {
		data = []byte(fmt.Sprintf("%d|%v", p.MaxPasses, p.Constraints))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Profiles is a validated set of named profiles loaded from one file.
type Profiles struct {
	source   string
	profiles map[string]Profile
}

// profilesFile is the on-disk shape: a single top-level "profiles" mapping.
type profilesFile struct {
	Profiles map[string]profileSpec `yaml:"profiles" json:"profiles"`
}

type profileSpec struct {
	MaxPasses   int                     `yaml:"max_passes" json:"max_passes"`
	Constraints []domain.ConstraintSpec `yaml:"constraints" json:"constraints"`
}

// LoadProfiles reads and validates a YAML or JSON profiles file.
func LoadProfiles(path string) (*Profiles, error) {
	// #nosec G304 -- the path is operator-supplied configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles file: %w", err)
	}
	return ParseProfiles(data, path)
}

// ParseProfiles decodes and validates profile data. YAML is tried first,
// then JSON; source names the origin in error messages.
func ParseProfiles(data []byte, source string) (*Profiles, error) {
	var file profilesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		if jsonErr := json.Unmarshal(data, &file); jsonErr != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrProfileInvalid, source, err)
		}
	}
	if len(file.Profiles) == 0 {
		return nil, fmt.Errorf("%w: %s declares no profiles", domain.ErrProfileInvalid, source)
	}

	profiles := make(map[string]Profile, len(file.Profiles))
	for name, spec := range file.Profiles {
		profile := Profile{
			Name:        name,
			MaxPasses:   spec.MaxPasses,
			Constraints: spec.Constraints,
		}
		if profile.MaxPasses == 0 {
			profile.MaxPasses = domain.DefaultMaxPasses
		}
		if err := validateProfile(profile); err != nil {
			return nil, fmt.Errorf("%w: profile %q in %s: %v",
				domain.ErrProfileInvalid, name, source, err)
		}
		profiles[name] = profile
	}

	return &Profiles{source: source, profiles: profiles}, nil
}

// validateProfile reuses the request invariants: usable pass limit, valid
// specs, unique constraint IDs.
func validateProfile(profile Profile) error {
	req := domain.PipelineRequest{
		InputText:   "",
		Constraints: profile.Constraints,
		MaxPasses:   profile.MaxPasses,
	}
	return req.Validate()
}

// Source returns the path or label the profiles were loaded from.
func (p *Profiles) Source() string {
	return p.source
}

// Get returns the named profile.
func (p *Profiles) Get(name string) (Profile, error) {
	profile, ok := p.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q (available: %v)",
			domain.ErrProfileNotFound, name, p.Names())
	}
	return profile, nil
}

// Names lists the profile names in sorted order.
func (p *Profiles) Names() []string {
	names := make([]string, 0, len(p.profiles))
	for name := range p.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len reports how many profiles are loaded.
func (p *Profiles) Len() int {
	return len(p.profiles)
}
