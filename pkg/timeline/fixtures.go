package timeline

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed fixtures/demo.yaml
var demoYAML []byte

// Fixtures maps organization ids to the raw timeline payloads served for
// them in demo mode.
type Fixtures map[string][]json.RawMessage

type fixtureFile struct {
	Organizations map[string][]map[string]any `yaml:"organizations"`
}

// ParseFixtures reads a YAML fixture file. Each event is converted to the
// JSON payload the GraphQL endpoint would have returned.
func ParseFixtures(data []byte) (Fixtures, error) {
	var file fixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing timeline fixtures: %w", err)
	}

	out := make(Fixtures, len(file.Organizations))
	for org, events := range file.Organizations {
		payloads := make([]json.RawMessage, 0, len(events))
		for i, ev := range events {
			raw, err := json.Marshal(ev)
			if err != nil {
				return nil, fmt.Errorf("fixture %s[%d]: %w", org, i, err)
			}
			payloads = append(payloads, raw)
		}
		out[org] = payloads
	}
	return out, nil
}

// DemoFixtures returns the fixtures bundled with the package.
func DemoFixtures() (Fixtures, error) {
	return ParseFixtures(demoYAML)
}
