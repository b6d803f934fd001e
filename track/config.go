package track

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/ridgeline-vision/feattrack/optflow"
)

// Config contains the parameters needed to run a tracking session.
type Config struct {
	MaxMatchDistance float64 `json:"max_match_distance"`
	// StrongMatchDistance is the tighter threshold under which a descriptor
	// match overrides the flow prediction outright.
	StrongMatchDistance float64 `json:"strong_match_distance"`
	// FlowGateRadius is the largest pixel distance between a matched
	// detection and the flow-predicted position for the two signals to count
	// as agreeing.
	FlowGateRadius float64         `json:"flow_gate_radius"`
	WindowPadding  float64         `json:"window_padding"`
	MaxCandidates  int             `json:"max_candidates"`
	Flow           *optflow.Config `json:"flow"`
}

// DefaultConfig returns tracking parameters that behave reasonably for
// unit-scale descriptors.
func DefaultConfig() *Config {
	return &Config{
		MaxMatchDistance:    0.6,
		StrongMatchDistance: 0.3,
		FlowGateRadius:      5,
		WindowPadding:       0.2,
		MaxCandidates:       200,
		Flow:                optflow.DefaultConfig(),
	}
}

// LoadConfiguration loads a Config from a json file.
func LoadConfiguration(file string) (*Config, error) {
	var config Config
	filePath := filepath.Clean(file)
	configFile, err := os.Open(filePath)
	defer utils.UncheckedErrorFunc(configFile.Close)
	if err != nil {
		return nil, err
	}
	jsonParser := json.NewDecoder(configFile)
	err = jsonParser.Decode(&config)
	if err != nil {
		return nil, err
	}
	err = config.Validate(file)
	if err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate ensures all parts of the Config are valid.
func (config *Config) Validate(path string) error {
	if config.MaxMatchDistance <= 0 {
		return utils.NewConfigValidationError(path, errors.New("max_match_distance should be > 0"))
	}
	if config.StrongMatchDistance <= 0 || config.StrongMatchDistance > config.MaxMatchDistance {
		return utils.NewConfigValidationError(path,
			errors.New("strong_match_distance should be > 0 and <= max_match_distance"))
	}
	if config.FlowGateRadius <= 0 {
		return utils.NewConfigValidationError(path, errors.New("flow_gate_radius should be > 0"))
	}
	if config.WindowPadding < 0 {
		return utils.NewConfigValidationError(path, errors.New("window_padding should be >= 0"))
	}
	if config.MaxCandidates < 1 {
		return utils.NewConfigValidationError(path, errors.New("max_candidates should be >= 1"))
	}
	if config.Flow == nil {
		return utils.NewConfigValidationFieldRequiredError(path, "flow")
	}
	return config.Flow.Validate(fmt.Sprintf("%s.flow", path))
}
