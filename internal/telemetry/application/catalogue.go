package application

import (
	"fmt"
	"os"

	telemetry "fleet-core/internal/telemetry/domain"

	"gopkg.in/yaml.v3"
)

// Catalogue holds metric definitions keyed by metric name. Points for
// metrics without a definition pass through with their reported quality.
type Catalogue struct {
	defs map[string]telemetry.MetricDefinition
}

type catalogueFile struct {
	Metrics []telemetry.MetricDefinition `yaml:"metrics"`
}

// LoadCatalogue reads metric definitions from a yaml file.
func LoadCatalogue(path string) (*Catalogue, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalogue: read %s: %w", path, err)
	}
	var file catalogueFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("catalogue: parse %s: %w", path, err)
	}
	return NewCatalogue(file.Metrics), nil
}

// NewCatalogue builds a catalogue from definitions already in memory.
func NewCatalogue(defs []telemetry.MetricDefinition) *Catalogue {
	c := &Catalogue{defs: make(map[string]telemetry.MetricDefinition, len(defs))}
	for _, def := range defs {
		if def.MetricName == "" {
			continue
		}
		c.defs[def.MetricName] = def
	}
	return c
}

// Lookup returns the definition for a metric name.
func (c *Catalogue) Lookup(name string) (telemetry.MetricDefinition, bool) {
	if c == nil {
		return telemetry.MetricDefinition{}, false
	}
	def, ok := c.defs[name]
	return def, ok
}

// Classify grades a point against its metric definition. Points without
// a matching definition keep the quality they arrived with.
func (c *Catalogue) Classify(p telemetry.Point) telemetry.Quality {
	def, ok := c.Lookup(p.MetricName)
	if !ok || p.Value == nil {
		return p.Quality
	}
	if graded := def.Classify(*p.Value); graded == telemetry.QualitySuspect {
		return graded
	}
	return p.Quality
}

// Definitions returns every definition in the catalogue.
func (c *Catalogue) Definitions() []telemetry.MetricDefinition {
	if c == nil {
		return nil
	}
	out := make([]telemetry.MetricDefinition, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	return out
}

// Len reports the number of definitions loaded.
func (c *Catalogue) Len() int {
	if c == nil {
		return 0
	}
	return len(c.defs)
}
