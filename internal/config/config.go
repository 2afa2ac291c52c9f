// Package config loads the declarative device tree a Machine is built
// from (spec.md §6 Configuration): a YAML document whose top level
// carries the core's own attributes (memory, vcpu, bios) alongside a
// system-root node that recurses into the device tree.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ObjectSpec is one node of the declarative object tree (SPEC_FULL.md
// §3 "ObjectSpec"). Attrs carries everything the core doesn't itself
// interpret as opaque pass-through for the device's own constructor.
type ObjectSpec struct {
	Class    string         `yaml:"class"`
	Name     string         `yaml:"name"`
	Attrs    map[string]any `yaml:"attrs"`
	Children []*ObjectSpec  `yaml:"children"`
}

// Document is the top-level YAML shape: the core's own attributes plus
// the root of the device tree.
type Document struct {
	RamSize  uint64      `yaml:"ram_size"`
	NumVcpus int         `yaml:"num_vcpus"`
	BiosPath string      `yaml:"bios_path"`
	Debug    bool        `yaml:"debug"`
	Root     *ObjectSpec `yaml:"system-root"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if doc.Root == nil {
		doc.Root = &ObjectSpec{Class: "system-root", Name: "system-root"}
	} else if doc.Root.Name == "" {
		doc.Root.Name = "system-root"
	}

	return &doc, nil
}

// StringAttr returns attrs[key] coerced to a string, or def if absent
// or the wrong type. Device constructors use this (and the numeric/bool
// equivalents below) instead of a reflection-based decoder, matching
// the teacher's plain map[string]interface{} attribute access.
func (o *ObjectSpec) StringAttr(key, def string) string {
	if v, ok := o.Attrs[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func (o *ObjectSpec) IntAttr(key string, def int64) int64 {
	if v, ok := o.Attrs[key]; ok {
		switch n := v.(type) {
		case int:
			return int64(n)
		case int64:
			return n
		case uint64:
			return int64(n)
		}
	}
	return def
}

func (o *ObjectSpec) BoolAttr(key string, def bool) bool {
	if v, ok := o.Attrs[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Walk calls fn for o and every descendant, in pre-order, the order
// Connect() must run in (parents before children).
func (o *ObjectSpec) Walk(fn func(*ObjectSpec)) {
	fn(o)
	for _, child := range o.Children {
		child.Walk(fn)
	}
}
