// Package workload loads the expected-workload catalog: the subjects,
// prompts, and models whose cross product defines a run's observation
// units. The catalog is a static YAML file; live provider discovery is the
// registry's job, not this component's.
package workload

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/oribe-ai/mokuroku/internal/model"
)

// Model statuses recognized in the catalog. Only active models produce
// expected units; deprecated and disabled entries stay listed so diffs
// against provider catalogs remain meaningful.
const (
	ModelStatusActive     = "active"
	ModelStatusDeprecated = "deprecated"
	ModelStatusDisabled   = "disabled"
)

// Prompt is one catalog prompt. Text may contain a {subject} placeholder
// filled in by the executor; this component only carries the id.
type Prompt struct {
	ID   string `yaml:"id"`
	Text string `yaml:"text"`
}

// ModelRef is one provider model in the catalog.
type ModelRef struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
	Status   string `yaml:"status"`
}

// Catalog is the parsed workload file.
type Catalog struct {
	Subjects []string   `yaml:"subjects"`
	Prompts  []Prompt   `yaml:"prompts"`
	Models   []ModelRef `yaml:"models"`
}

// Load reads and validates a catalog from path.
func Load(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("workload: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("workload: parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, err
	}
	return c, nil
}

// Validate checks the catalog for empty sections and duplicate ids.
func (c Catalog) Validate() error {
	if len(c.Subjects) == 0 {
		return fmt.Errorf("workload: catalog has no subjects")
	}
	if len(c.Prompts) == 0 {
		return fmt.Errorf("workload: catalog has no prompts")
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("workload: catalog has no models")
	}

	seenSubjects := make(map[string]bool, len(c.Subjects))
	for _, s := range c.Subjects {
		if s == "" {
			return fmt.Errorf("workload: empty subject")
		}
		if seenSubjects[s] {
			return fmt.Errorf("workload: duplicate subject %q", s)
		}
		seenSubjects[s] = true
	}

	seenPrompts := make(map[string]bool, len(c.Prompts))
	for _, p := range c.Prompts {
		if p.ID == "" {
			return fmt.Errorf("workload: prompt with empty id")
		}
		if seenPrompts[p.ID] {
			return fmt.Errorf("workload: duplicate prompt id %q", p.ID)
		}
		seenPrompts[p.ID] = true
	}

	seenModels := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.Name == "" {
			return fmt.Errorf("workload: model with empty name")
		}
		if seenModels[m.Name] {
			return fmt.Errorf("workload: duplicate model %q", m.Name)
		}
		seenModels[m.Name] = true
		switch m.Status {
		case ModelStatusActive, ModelStatusDeprecated, ModelStatusDisabled, "":
		default:
			return fmt.Errorf("workload: model %q has unknown status %q", m.Name, m.Status)
		}
	}
	return nil
}

// ActiveModels returns the models that should receive queries.
// An empty status counts as active.
func (c Catalog) ActiveModels() []ModelRef {
	var active []ModelRef
	for _, m := range c.Models {
		if m.Status == ModelStatusActive || m.Status == "" {
			active = append(active, m)
		}
	}
	return active
}

// ExpectedUnits expands the catalog into the full subject x prompt x model
// cross product over active models, in catalog order.
func (c Catalog) ExpectedUnits() []model.ObservationKey {
	active := c.ActiveModels()
	units := make([]model.ObservationKey, 0, len(c.Subjects)*len(c.Prompts)*len(active))
	for _, subject := range c.Subjects {
		for _, prompt := range c.Prompts {
			for _, m := range active {
				units = append(units, model.ObservationKey{
					Subject:  subject,
					PromptID: prompt.ID,
					Model:    m.Name,
				})
			}
		}
	}
	return units
}
