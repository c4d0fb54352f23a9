// Package config is TellStore's configuration registry, modeled on
// maho/config: a set of named, typed parameters that can be loaded from
// an HCL file or set individually, the way maho/cmd loads "maho.hcl".
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/hashicorp/hcl"
)

// Value is implemented by every settable parameter.
type Value interface {
	Set(string) error
	String() string
}

type IntValue struct {
	Ptr *int
}

func (v IntValue) Set(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*v.Ptr = n
	return nil
}

func (v IntValue) String() string {
	return strconv.Itoa(*v.Ptr)
}

type StringValue struct {
	Ptr *string
}

func (v StringValue) Set(s string) error {
	*v.Ptr = s
	return nil
}

func (v StringValue) String() string {
	return *v.Ptr
}

type Param struct {
	Name string
	Val  Value
}

type Config struct {
	params map[string]*Param
}

func New() *Config {
	return &Config{params: map[string]*Param{}}
}

// Var registers a parameter under name. Unlike maho/config.Var() it
// returns nothing: this engine has no "hidden" params, so there is
// nothing to chain onto beyond registration.
func (c *Config) Var(name string, val Value) {
	c.params[name] = &Param{Name: name, Val: val}
}

func (c *Config) Set(name, val string) error {
	p, ok := c.params[name]
	if !ok {
		return fmt.Errorf("config: %s is not a param", name)
	}
	if err := p.Val.Set(val); err != nil {
		return fmt.Errorf("config: param %s: %w", name, err)
	}
	return nil
}

// Load parses an HCL file and applies every name=value pair it contains
// to the matching registered param, exactly as maho/config/load.go uses
// hcl.Decode.
func (c *Config) Load(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var raw map[string]interface{}
	if err := hcl.Decode(&raw, string(b)); err != nil {
		return err
	}

	for name, val := range raw {
		if err := c.Set(name, fmt.Sprintf("%v", val)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) List() []*Param {
	list := make([]*Param, 0, len(c.params))
	for _, p := range c.params {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Engine holds the subset of config this engine's components read at
// startup.
type Engine struct {
	PageSize            int
	CompactionThreshold int
	GCBatchSize         int
	ScanSlots           int
	LogLevel            string
}

// Default returns the engine defaults, matching spec.md's stated sizes
// (2 MiB pages) and reasonable operational defaults for the rest.
func Default() *Engine {
	return &Engine{
		PageSize:            2 * 1024 * 1024,
		CompactionThreshold: 64,
		GCBatchSize:         256,
		ScanSlots:           64,
		LogLevel:            "info",
	}
}

// Register wires e's fields into c so that they can be overridden by a
// config file or CLI flags.
func (e *Engine) Register(c *Config) {
	c.Var("page-size", IntValue{&e.PageSize})
	c.Var("compaction-threshold", IntValue{&e.CompactionThreshold})
	c.Var("gc-batch-size", IntValue{&e.GCBatchSize})
	c.Var("scan-slots", IntValue{&e.ScanSlots})
	c.Var("log-level", StringValue{&e.LogLevel})
}
