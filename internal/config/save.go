package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/microsoft/RTVS-sub005/internal/rhost/broker"
)

// SaveActiveBroker sets active_broker in the config file. An empty name
// removes the key. Comments and other sections are preserved.
func SaveActiveBroker(configPath, name string) error {
	if name == "" {
		return updateKey(configPath, "active_broker", nil)
	}
	return updateKey(configPath, "active_broker", &yaml.Node{Kind: yaml.ScalarNode, Value: name})
}

// SaveBrokers replaces the brokers list in the config file. Passwords are
// never written.
func SaveBrokers(configPath string, brokers []broker.ConnectionInfo) error {
	return updateKey(configPath, "brokers", buildBrokersNode(brokers))
}

func buildBrokersNode(brokers []broker.ConnectionInfo) *yaml.Node {
	node := &yaml.Node{
		Kind:    yaml.SequenceNode,
		Content: make([]*yaml.Node, 0, len(brokers)),
	}
	for _, b := range brokers {
		item := &yaml.Node{Kind: yaml.MappingNode}
		item.Content = append(item.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: "name"},
			&yaml.Node{Kind: yaml.ScalarNode, Value: b.Name},
			&yaml.Node{Kind: yaml.ScalarNode, Value: "uri"},
			&yaml.Node{Kind: yaml.ScalarNode, Value: b.URI},
		)
		if b.User != "" {
			item.Content = append(item.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: "user"},
				&yaml.Node{Kind: yaml.ScalarNode, Value: b.User},
			)
		}
		node.Content = append(node.Content, item)
	}
	return node
}

// updateKey sets (or with a nil value deletes) a top-level key of the YAML
// file at configPath, keeping comments in the rest of the document.
func updateKey(configPath, key string, value *yaml.Node) error {
	data, err := os.ReadFile(configPath) //nolint:gosec // G304: config path is user-provided
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{
			Kind:    yaml.DocumentNode,
			Content: []*yaml.Node{{Kind: yaml.MappingNode}},
		}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return fmt.Errorf("parsing config: %s is not a mapping", configPath)
	}

	root := doc.Content[0]
	found := false
	for i := 0; i < len(root.Content)-1; i += 2 {
		if root.Content[i].Value != key {
			continue
		}
		found = true
		if value == nil {
			root.Content = append(root.Content[:i], root.Content[i+2:]...)
		} else {
			value.HeadComment = root.Content[i+1].HeadComment
			value.LineComment = root.Content[i+1].LineComment
			root.Content[i+1] = value
		}
		break
	}
	if !found && value != nil {
		root.Content = append(root.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key},
			value,
		)
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(configPath, buf.Bytes())
}

// writeAtomic writes to a temp file in the same directory, then renames.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".rtvs.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
