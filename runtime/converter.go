package runtime

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// DecodeFlow parses a JSON or YAML flow definition into a FlowConfig.
// YAML is a superset of JSON, so one parser serves both formats.
// Keys match struct fields case-insensitively.
func DecodeFlow(data []byte) (*FlowConfig, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("error unmarshalling flow: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("flow document is empty")
	}

	flow := &FlowConfig{}
	if err := mapToStruct(raw, flow); err != nil {
		return nil, err
	}
	if err := ApplyDefaults(flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// mapToStruct converts a map[string]any to a struct using mapstructure.
// It uses json tags for field mapping and supports time.Duration and time.Time conversions.
func mapToStruct(m map[string]any, target any) error {
	return decode(m, target, "json")
}

func mapToStructFromYAML(m map[string]any, target any) error {
	return decode(m, target, "yaml")
}

func decode(m map[string]any, target any, tag string) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: tag,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(m); err != nil {
		return fmt.Errorf("failed to decode map to struct: %w", err)
	}

	return nil
}

// envVarPattern matches ${VAR} and ${VAR:default} syntax
var envVarPattern = regexp.MustCompile(`^\$\{([A-Z_][A-Z0-9_]*)(:[^}]*)?\}$`)

// expandEnv walks a decoded YAML tree and resolves ${VAR} references in string leaves.
func expandEnv(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		for k, item := range v {
			resolved, err := expandEnv(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			v[k] = resolved
		}
		return v, nil
	case []any:
		for i, item := range v {
			resolved, err := expandEnv(item)
			if err != nil {
				return nil, err
			}
			v[i] = resolved
		}
		return v, nil
	case string:
		return resolveEnvVar(v)
	}
	return value, nil
}

func resolveEnvVar(value string) (any, error) {
	matches := envVarPattern.FindStringSubmatch(value)
	if matches == nil {
		return value, nil
	}

	varName := matches[1]
	defaultPart := matches[2]

	if envValue, exists := os.LookupEnv(varName); exists {
		return envValue, nil
	}
	if defaultPart != "" {
		return strings.TrimPrefix(defaultPart, ":"), nil
	}
	return nil, fmt.Errorf("required environment variable not set: %s", varName)
}
