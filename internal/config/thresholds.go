package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Thresholds holds the anomaly thresholds keyed by (source, parameter).
// Safe for concurrent lookup; Replace swaps the whole table atomically so
// the file watcher can hot-reload it mid-flight.
type Thresholds struct {
	mu     sync.RWMutex
	values map[string]float64
}

// DefaultThresholds returns the built-in threshold table used when no
// thresholds file is configured.
func DefaultThresholds() *Thresholds {
	return &Thresholds{values: map[string]float64{
		"flood:level":          3.0,
		"hydrology:flow":       3.0,
		"hydrology:waterLevel": 3.0,
	}}
}

// thresholdsFile is the YAML shape of the thresholds file:
//
//	thresholds:
//	  flood:
//	    level: 3.0
//	  hydrology:
//	    flow: 2.5
type thresholdsFile struct {
	Thresholds map[string]map[string]float64 `yaml:"thresholds"`
}

// LoadThresholdsFile parses the thresholds file at path.
func LoadThresholdsFile(path string) (map[string]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read thresholds file %s: %w", path, err)
	}

	var parsed thresholdsFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse thresholds file %s: %w", path, err)
	}

	values := make(map[string]float64)
	for source, params := range parsed.Thresholds {
		for param, threshold := range params {
			if threshold <= 0 {
				return nil, fmt.Errorf("threshold for %s:%s must be positive, got %f", source, param, threshold)
			}
			values[source+":"+param] = threshold
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("thresholds file %s defines no thresholds", path)
	}
	return values, nil
}

// NewThresholds builds a table from the given values.
func NewThresholds(values map[string]float64) *Thresholds {
	copied := make(map[string]float64, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &Thresholds{values: copied}
}

// Lookup returns the threshold for (source, parameter).
func (t *Thresholds) Lookup(source, parameter string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.values[source+":"+parameter]
	return v, ok
}

// Replace swaps in a new threshold table.
func (t *Thresholds) Replace(values map[string]float64) {
	copied := make(map[string]float64, len(values))
	for k, v := range values {
		copied[k] = v
	}
	t.mu.Lock()
	t.values = copied
	t.mu.Unlock()
}

// Len returns the number of configured thresholds.
func (t *Thresholds) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.values)
}
