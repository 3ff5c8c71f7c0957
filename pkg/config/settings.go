// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/gomlx/accessatlas/internal/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var reNumberWithSeparators = regexp.MustCompile(`^[-+]?[0-9][0-9_]*$`)

// ApplySettings overrides configuration values from settings, typically the contents of a flag set by the user.
//
// The settings are a list separated by ";": e.g.: "training.learning_rate=0.01;model.backbone=custom".
// Keys are the dotted path of the YAML keys, and values are parsed as YAML, so lists can be given
// as "model.cnn_channels=[16, 32]".
//
// A setting of the form "file:<path>" reads further settings from the file, one or more per line.
// Empty lines and lines starting with "#" are ignored.
//
// For integers, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// Unknown keys are an error.
func (c *Config) ApplySettings(settings string) error {
	for _, setting := range strings.Split(settings, ";") {
		if err := c.applySetting(setting); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applySetting(setting string) error {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return nil
	}
	if strings.HasPrefix(setting, "file:") {
		filePath, err := fsutil.ReplaceTildeInDir(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if err := c.ApplySettings(line); err != nil {
				return errors.WithMessagef(err, "in settings file %q", filePath)
			}
		}
		return nil
	}

	key, valueStr, found := strings.Cut(setting, "=")
	if !found || key == "" {
		return errors.Errorf("can't parse setting %q: each setting requires the format \"<section>.<key>=<value>\"",
			setting)
	}
	key = strings.TrimSpace(key)
	valueStr = strings.TrimSpace(valueStr)
	if reNumberWithSeparators.MatchString(valueStr) {
		valueStr = strings.ReplaceAll(valueStr, "_", "")
	}
	var value yaml.Node
	if err := yaml.Unmarshal([]byte(valueStr), &value); err != nil {
		return errors.Wrapf(err, "can't parse value of setting %q", setting)
	}
	var valueNode *yaml.Node
	if value.Kind == yaml.DocumentNode && len(value.Content) == 1 {
		valueNode = value.Content[0]
	} else {
		// Empty value.
		valueNode = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: ""}
	}

	// Build the nested document "a: {b: value}" and decode it strictly on top of the current values.
	parts := strings.Split(key, ".")
	node := valueNode
	for ii := len(parts) - 1; ii >= 0; ii-- {
		node = &yaml.Node{
			Kind: yaml.MappingNode,
			Content: []*yaml.Node{
				{Kind: yaml.ScalarNode, Tag: "!!str", Value: parts[ii]},
				node,
			},
		}
	}
	contents, err := yaml.Marshal(node)
	if err != nil {
		return errors.Wrapf(err, "failed to encode setting %q", setting)
	}
	if err := decodeStrict(contents, c); err != nil {
		return errors.WithMessagef(err, "can't apply setting %q", setting)
	}
	return nil
}
