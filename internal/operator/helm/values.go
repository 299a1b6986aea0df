package helm

import (
	"bytes"
	"fmt"
	"maps"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment variables the fleet controller reads its feature gates from.
const (
	EnvExperimentalOCIStorage = "EXPERIMENTAL_OCI_STORAGE"
	EnvExperimentalHelmOps    = "EXPERIMENTAL_HELM_OPS"
)

// Values represents helm chart values as a map.
type Values map[string]any

// Merge combines multiple Values maps with later maps taking precedence.
func Merge(valueMaps ...Values) Values {
	result := make(Values)
	for _, m := range valueMaps {
		maps.Copy(result, m)
	}
	return result
}

// ToYAML converts values to YAML bytes.
func (v Values) ToYAML() ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)

	if err := encoder.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode values to YAML: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode values to YAML: %w", err)
	}

	return buf.Bytes(), nil
}

// FromYAML parses YAML bytes into Values.
func FromYAML(data []byte) (Values, error) {
	var values Values
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse YAML values: %w", err)
	}
	return values, nil
}

// FeatureGateValues renders the fleet chart values enabling or disabling the
// experimental features.
func FeatureGateValues(ociStorage, helmOps bool) Values {
	return Values{
		"extraEnv": []Values{
			{"name": EnvExperimentalOCIStorage, "value": strconv.FormatBool(ociStorage)},
			{"name": EnvExperimentalHelmOps, "value": strconv.FormatBool(helmOps)},
		},
	}
}
