package workflow

import (
	"encoding/json"
	"fmt"
	"slices"
)

type (
	// Config is the declarative shape of a workflow script: its topics,
	// producers, and consumers. It is serialized to JSON and denormalized
	// onto the workflow row as handler_config on activation.
	Config struct {
		Topics    []string                  `json:"topics"`
		Producers map[string]ProducerConfig `json:"producers"`
		Consumers map[string]ConsumerConfig `json:"consumers"`
	}

	// ProducerConfig declares one producer's schedule and publish set.
	ProducerConfig struct {
		Schedule ScheduleConfig `json:"schedule"`
		// Publishes enumerates the topics the producer may publish to. When
		// non-empty, publishing elsewhere is a logic error.
		Publishes []string `json:"publishes,omitempty"`
	}

	// ConsumerConfig declares one consumer's subscriptions and capabilities.
	ConsumerConfig struct {
		Subscribe []string `json:"subscribe"`
		Publishes []string `json:"publishes,omitempty"`
		// HasMutate is true when the consumer defines a mutate() callback.
		HasMutate bool `json:"hasMutate"`
		// HasNext is true when the consumer defines a next() callback.
		HasNext bool `json:"hasNext"`
	}

	// ScheduleConfig is the declared cadence: exactly one of Interval or
	// Cron is set.
	ScheduleConfig struct {
		Interval string `json:"interval,omitempty"`
		Cron     string `json:"cron,omitempty"`
	}
)

// ParseConfig deserializes a handler_config blob.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) == 0 {
		return cfg, fmt.Errorf("handler config is empty")
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse handler config: %w", err)
	}
	return cfg, nil
}

// Type returns the schedule type declared by the config.
func (s ScheduleConfig) Type() (ScheduleType, string, error) {
	switch {
	case s.Interval != "" && s.Cron != "":
		return "", "", fmt.Errorf("schedule declares both interval and cron")
	case s.Interval != "":
		return ScheduleInterval, s.Interval, nil
	case s.Cron != "":
		return ScheduleCron, s.Cron, nil
	default:
		return "", "", fmt.Errorf("schedule declares neither interval nor cron")
	}
}

// Subscribers returns the consumer names subscribed to topic, in no
// particular order.
func (c *Config) Subscribers(topic string) []string {
	var names []string
	for name, cons := range c.Consumers {
		if slices.Contains(cons.Subscribe, topic) {
			names = append(names, name)
		}
	}
	return names
}

// ConsumerNames returns consumer names sorted for deterministic iteration.
// The session drain loop visits consumers in this order.
func (c *Config) ConsumerNames() []string {
	names := make([]string, 0, len(c.Consumers))
	for name := range c.Consumers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ProducerNames returns producer names sorted for deterministic iteration.
func (c *Config) ProducerNames() []string {
	names := make([]string, 0, len(c.Producers))
	for name := range c.Producers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// MayPublish reports whether the named handler may publish to topic. An
// empty declared publish set means the declared-topic check is disabled for
// that handler.
func (c *Config) MayPublish(handlerType HandlerType, name, topic string) bool {
	var declared []string
	switch handlerType {
	case HandlerProducer:
		p, ok := c.Producers[name]
		if !ok {
			return false
		}
		declared = p.Publishes
	case HandlerConsumer:
		cons, ok := c.Consumers[name]
		if !ok {
			return false
		}
		declared = cons.Publishes
	default:
		return false
	}
	if len(declared) == 0 {
		return true
	}
	return slices.Contains(declared, topic)
}
