// Package genesis loads the validator set and initial clusters a network
// starts from.
package genesis

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/synergy-network/synergy-node/internal/cluster"
	"github.com/synergy-network/synergy-node/internal/models"
)

// Version is the only genesis file version this node understands.
const Version = 1

// ErrInvalid is returned for a genesis file that cannot be applied.
var ErrInvalid = errors.New("invalid genesis")

// Resources mirrors models.ResourceCapabilities with YAML keys.
type Resources struct {
	CPU             int      `yaml:"cpu"`
	Memory          int64    `yaml:"memory"`
	Storage         int64    `yaml:"storage"`
	Bandwidth       int64    `yaml:"bandwidth"`
	GPU             bool     `yaml:"gpu"`
	SpecialHardware []string `yaml:"special_hardware,omitempty"`
}

// Validator declares one genesis validator.
type Validator struct {
	ID        string `yaml:"id"`
	PublicKey string `yaml:"public_key"`
	Endpoint  string `yaml:"endpoint"`
	Stake     uint64 `yaml:"stake"`
	// Availability defaults to 1 when omitted.
	Availability *float64  `yaml:"availability,omitempty"`
	Resources    Resources `yaml:"resources"`
}

// Cluster declares one cluster formed at genesis, in membership order.
type Cluster struct {
	ID            string   `yaml:"id"`
	Members       []string `yaml:"members"`
	MinValidators int      `yaml:"min_validators,omitempty"`
	MaxValidators int      `yaml:"max_validators,omitempty"`
}

// Genesis models a genesis YAML file.
type Genesis struct {
	Version    int         `yaml:"version"`
	Network    string      `yaml:"network"`
	Validators []Validator `yaml:"validators"`
	Clusters   []Cluster   `yaml:"clusters"`
}

// Load reads and validates a genesis file.
func Load(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a genesis document. Unknown keys are rejected.
func Parse(data []byte) (*Genesis, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var g Genesis
	if err := dec.Decode(&g); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalid)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Model converts a declared validator into a registry entry.
func (v Validator) Model() *models.Validator {
	availability := 1.0
	if v.Availability != nil {
		availability = *v.Availability
	}
	return &models.Validator{
		ID:        v.ID,
		PublicKey: v.PublicKey,
		Endpoint:  v.Endpoint,
		Stake:     v.Stake,
		Resources: models.ResourceCapabilities{
			CPU:             v.Resources.CPU,
			Memory:          v.Resources.Memory,
			Storage:         v.Resources.Storage,
			Bandwidth:       v.Resources.Bandwidth,
			GPU:             v.Resources.GPU,
			SpecialHardware: v.Resources.SpecialHardware,
		},
		Availability: availability,
		Status:       models.ValidatorStatusActive,
	}
}

// Validate checks that the document can be applied as a whole: known
// version, unique validators with dialable endpoints, and clusters whose
// members are declared, unique and fit the cluster bounds.
func (g *Genesis) Validate() error {
	if g.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalid, g.Version)
	}
	if len(g.Validators) == 0 {
		return fmt.Errorf("%w: no validators", ErrInvalid)
	}

	declared := make(map[string]struct{}, len(g.Validators))
	for i, v := range g.Validators {
		if _, dup := declared[v.ID]; dup {
			return fmt.Errorf("%w: duplicate validator %q", ErrInvalid, v.ID)
		}
		if v.Endpoint == "" {
			return fmt.Errorf("%w: validator %q has no endpoint", ErrInvalid, v.ID)
		}
		if err := v.Model().Validate(); err != nil {
			return fmt.Errorf("%w: validator %d: %v", ErrInvalid, i, err)
		}
		declared[v.ID] = struct{}{}
	}

	clusterIDs := make(map[string]struct{}, len(g.Clusters))
	placed := make(map[string]string)
	for _, c := range g.Clusters {
		if c.ID == "" {
			return fmt.Errorf("%w: cluster without id", ErrInvalid)
		}
		if _, dup := clusterIDs[c.ID]; dup {
			return fmt.Errorf("%w: duplicate cluster %q", ErrInvalid, c.ID)
		}
		clusterIDs[c.ID] = struct{}{}

		if len(c.Members) == 0 {
			return fmt.Errorf("%w: cluster %q has no members", ErrInvalid, c.ID)
		}
		if c.MinValidators > 0 && len(c.Members) < c.MinValidators {
			return fmt.Errorf("%w: cluster %q has %d members, below min_validators %d", ErrInvalid, c.ID, len(c.Members), c.MinValidators)
		}
		if c.MaxValidators > 0 && len(c.Members) > c.MaxValidators {
			return fmt.Errorf("%w: cluster %q has %d members, above max_validators %d", ErrInvalid, c.ID, len(c.Members), c.MaxValidators)
		}
		for _, m := range c.Members {
			if _, ok := declared[m]; !ok {
				return fmt.Errorf("%w: cluster %q member %q is not a declared validator", ErrInvalid, c.ID, m)
			}
			if other, ok := placed[m]; ok {
				return fmt.Errorf("%w: validator %q is in clusters %q and %q", ErrInvalid, m, other, c.ID)
			}
			placed[m] = c.ID
		}
	}
	return nil
}

// Apply registers every validator and forms every cluster. A cluster the
// manager forms with fewer members than declared is an error, since the
// configured bounds or the existing state disagree with the document.
func Apply(g *Genesis, mgr *cluster.Manager) error {
	for _, v := range g.Validators {
		if err := mgr.RegisterValidator(v.Model()); err != nil {
			return fmt.Errorf("applying genesis validator %s: %w", v.ID, err)
		}
	}
	for _, c := range g.Clusters {
		formed, err := mgr.CreateClusterWithID(c.ID, c.Members, c.MinValidators, c.MaxValidators)
		if err != nil {
			return fmt.Errorf("applying genesis cluster %s: %w", c.ID, err)
		}
		if len(formed.Validators) != len(c.Members) {
			return fmt.Errorf("%w: cluster %q formed with %d of %d members", ErrInvalid, c.ID, len(formed.Validators), len(c.Members))
		}
	}
	return nil
}
