package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/patternops/patternops/pkg/envelope"
)

// MessageContract declares one (kind, schema_version) pair a contract's
// topics carry.
type MessageContract struct {
	Kind          string `yaml:"kind"`
	SchemaVersion int    `yaml:"schema_version"`
}

// Contract is one declarative topic descriptor file. The consumer fleet
// subscribes to exactly the union of all contracts' subscribe_topics;
// publish_topics name topics the service produces to without consuming.
// Nothing else in the codebase names a topic.
type Contract struct {
	Name            string            `yaml:"name"`
	SubscribeTopics []string          `yaml:"subscribe_topics"`
	PublishTopics   []string          `yaml:"publish_topics,omitempty"`
	Messages        []MessageContract `yaml:"messages"`
}

// ContractSet is the merged, validated view over all contract files.
type ContractSet struct {
	Contracts []Contract

	topics        []string
	publishTopics []string
	// kindOwner maps "kind.v{n}" to the contract that declared it, for
	// ambiguity detection.
	kindOwner map[string]string
}

// LoadContracts reads every *.yaml / *.yml file in dir, validates each
// contract, and rejects ambiguous overlap: two contracts declaring the
// same (kind, schema_version) or the same topic.
func LoadContracts(dir string) (*ContractSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading contract dir %s: %w", dir, err)
	}

	set := &ContractSet{kindOwner: make(map[string]string)}
	topicOwner := make(map[string]string)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading contract %s: %w", path, err)
		}

		var c Contract
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parsing contract %s: %w", path, err)
		}
		if err := validateContract(&c, path); err != nil {
			return nil, err
		}

		for _, topic := range c.SubscribeTopics {
			if owner, dup := topicOwner[topic]; dup {
				return nil, fmt.Errorf("contract %s: topic %q already subscribed by contract %s", c.Name, topic, owner)
			}
			topicOwner[topic] = c.Name
			set.topics = append(set.topics, topic)
		}
		for _, topic := range c.PublishTopics {
			if owner, dup := topicOwner[topic]; dup {
				return nil, fmt.Errorf("contract %s: topic %q already declared by contract %s", c.Name, topic, owner)
			}
			topicOwner[topic] = c.Name
			set.publishTopics = append(set.publishTopics, topic)
		}
		for _, m := range c.Messages {
			key := messageKey(m.Kind, m.SchemaVersion)
			if owner, dup := set.kindOwner[key]; dup {
				return nil, fmt.Errorf("contract %s: message %s already declared by contract %s", c.Name, key, owner)
			}
			set.kindOwner[key] = c.Name
		}
		set.Contracts = append(set.Contracts, c)
	}

	if len(set.Contracts) == 0 {
		return nil, fmt.Errorf("contract dir %s contains no contract files", dir)
	}
	sort.Strings(set.topics)
	sort.Strings(set.publishTopics)
	return set, nil
}

func validateContract(c *Contract, path string) error {
	if c.Name == "" {
		return fmt.Errorf("contract %s: name is required", path)
	}
	if len(c.SubscribeTopics) == 0 && len(c.PublishTopics) == 0 {
		return fmt.Errorf("contract %s (%s): declares no topics", c.Name, path)
	}
	if len(c.Messages) == 0 {
		return fmt.Errorf("contract %s (%s): messages is empty", c.Name, path)
	}
	for _, topic := range append(append([]string{}, c.SubscribeTopics...), c.PublishTopics...) {
		if _, err := envelope.ParseTopic(topic); err != nil {
			return fmt.Errorf("contract %s: %w", c.Name, err)
		}
	}
	for _, m := range c.Messages {
		if m.Kind == "" {
			return fmt.Errorf("contract %s: message kind is required", c.Name)
		}
		if m.SchemaVersion < 1 {
			return fmt.Errorf("contract %s: message %s: schema_version must be >= 1, got %d", c.Name, m.Kind, m.SchemaVersion)
		}
	}
	return nil
}

// SubscribeTopics returns the sorted union of every contract's consumed
// topics.
func (s *ContractSet) SubscribeTopics() []string {
	out := make([]string, len(s.topics))
	copy(out, s.topics)
	return out
}

// AllTopics returns subscribe and publish topics together, for producer
// route building.
func (s *ContractSet) AllTopics() []string {
	out := make([]string, 0, len(s.topics)+len(s.publishTopics))
	out = append(out, s.topics...)
	out = append(out, s.publishTopics...)
	sort.Strings(out)
	return out
}

// Messages returns every declared (kind, schema_version) pair.
func (s *ContractSet) Messages() []MessageContract {
	var out []MessageContract
	for _, c := range s.Contracts {
		out = append(out, c.Messages...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].SchemaVersion < out[j].SchemaVersion
	})
	return out
}

// Declares reports whether some contract declares the given pair.
func (s *ContractSet) Declares(kind string, schemaVersion int) bool {
	_, ok := s.kindOwner[messageKey(kind, schemaVersion)]
	return ok
}

func messageKey(kind string, version int) string {
	return fmt.Sprintf("%s.v%d", strings.TrimSpace(kind), version)
}
