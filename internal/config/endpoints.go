package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"withdrawal-service/internal/chains/ethereum"
)

// EndpointFile is the optional YAML list of RPC endpoints:
//
//	read:
//	  - url: https://rpc-a.example
//	    rps: 10
//	    burst: 20
//	broadcast:
//	  - url: https://relay.example
type EndpointFile struct {
	Read      []EndpointEntry `yaml:"read"`
	Broadcast []EndpointEntry `yaml:"broadcast"`
}

type EndpointEntry struct {
	URL   string  `yaml:"url"`
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func LoadEndpointFile(path string) (*EndpointFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open endpoint file: %w", err)
	}
	defer file.Close()

	var out EndpointFile
	if err := yaml.NewDecoder(file).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode endpoint file: %w", err)
	}
	for i, e := range out.Read {
		if strings.TrimSpace(e.URL) == "" {
			return nil, fmt.Errorf("endpoint file: read[%d] has no url", i)
		}
	}
	for i, e := range out.Broadcast {
		if strings.TrimSpace(e.URL) == "" {
			return nil, fmt.Errorf("endpoint file: broadcast[%d] has no url", i)
		}
	}
	return &out, nil
}

func (f *EndpointFile) ReadEndpoints() []ethereum.EndpointConfig {
	return toEndpointConfigs(f.Read)
}

func (f *EndpointFile) BroadcastEndpoints() []ethereum.EndpointConfig {
	return toEndpointConfigs(f.Broadcast)
}

func toEndpointConfigs(entries []EndpointEntry) []ethereum.EndpointConfig {
	out := make([]ethereum.EndpointConfig, 0, len(entries))
	for _, e := range entries {
		out = append(out, ethereum.EndpointConfig{
			URL:               strings.TrimSpace(e.URL),
			RequestsPerSecond: e.RPS,
			Burst:             e.Burst,
		})
	}
	return out
}
