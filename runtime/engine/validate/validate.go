// Package validate checks a workflow script's declared configuration before
// it can be saved or activated: structural validation against a JSON schema
// followed by semantic checks the schema cannot express.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nostrband/keep.ai-sub001/runtime/engine/tools"
	"github.com/nostrband/keep.ai-sub001/runtime/engine/workflow"
)

// configSchema is the structural contract of a script's declared config.
var configSchema = tools.MustCompileSchema(`{
	"type": "object",
	"required": ["topics"],
	"properties": {
		"topics": {
			"type": "array",
			"items": {"type": "string", "minLength": 1}
		},
		"producers": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["schedule"],
				"properties": {
					"schedule": {
						"type": "object",
						"properties": {
							"interval": {"type": "string"},
							"cron": {"type": "string"}
						},
						"additionalProperties": false
					},
					"publishes": {"type": "array", "items": {"type": "string"}}
				},
				"additionalProperties": false
			}
		},
		"consumers": {
			"type": "object",
			"additionalProperties": {
				"type": "object",
				"required": ["subscribe"],
				"properties": {
					"subscribe": {"type": "array", "items": {"type": "string"}, "minItems": 1},
					"publishes": {"type": "array", "items": {"type": "string"}},
					"hasMutate": {"type": "boolean"},
					"hasNext": {"type": "boolean"}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`)

// Config validates a raw config blob and returns the parsed form.
func Config(raw json.RawMessage) (workflow.Config, error) {
	if err := validateSchema(raw); err != nil {
		return workflow.Config{}, err
	}
	cfg, err := workflow.ParseConfig(raw)
	if err != nil {
		return workflow.Config{}, err
	}
	if err := validateSemantics(cfg); err != nil {
		return workflow.Config{}, err
	}
	return cfg, nil
}

func validateSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return fmt.Errorf("config is empty")
	}
	val, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("config is not valid JSON: %w", err)
	}
	if err := configSchema.Validate(val); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}

func validateSemantics(cfg workflow.Config) error {
	seen := make(map[string]bool, len(cfg.Topics))
	for _, topic := range cfg.Topics {
		if seen[topic] {
			return fmt.Errorf("topic %q declared twice", topic)
		}
		seen[topic] = true
	}

	for name, p := range cfg.Producers {
		typ, value, err := p.Schedule.Type()
		if err != nil {
			return fmt.Errorf("producer %q: %w", name, err)
		}
		if err := workflow.ValidateScheduleValue(typ, value); err != nil {
			return err
		}
		for _, topic := range p.Publishes {
			if !seen[topic] {
				return fmt.Errorf("producer %q publishes to undeclared topic %q", name, topic)
			}
		}
	}

	for name, c := range cfg.Consumers {
		if len(c.Subscribe) == 0 {
			return fmt.Errorf("consumer %q subscribes to no topics", name)
		}
		for _, topic := range c.Subscribe {
			if !seen[topic] {
				return fmt.Errorf("consumer %q subscribes to undeclared topic %q", name, topic)
			}
		}
		for _, topic := range c.Publishes {
			if !seen[topic] {
				return fmt.Errorf("consumer %q publishes to undeclared topic %q", name, topic)
			}
		}
		// A consumer may publish to a topic it subscribes to; the per-session
		// drain budget bounds the resulting feedback loop.
	}
	return nil
}
