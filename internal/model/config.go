package model

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/BurntSushi/toml"

	_ "embed"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

// Config is the set of supervised services. Services keeps the definitions,
// the registration order is the order of the source document.
type Config struct {
	Services map[string]Service `json:"services" yaml:"services" toml:"services"`
	names    []string
}

// Add registers a service, appending it to the registration order. An existing
// definition of the same name is replaced in place.
func (c *Config) Add(name string, svc Service) {
	if c.Services == nil {
		c.Services = make(map[string]Service)
	}
	if _, ok := c.Services[name]; !ok {
		c.names = append(c.names, name)
	}
	c.Services[name] = svc
}

// Names returns service names in registration order. A Config built as
// a literal has no recorded order and its names are sorted.
func (c Config) Names() []string {
	if len(c.names) == len(c.Services) {
		return slices.Clone(c.names)
	}
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LoadConfig validates YAML (or JSON) from r against the CUE schema and decodes it.
// Filesystem preconditions are not checked, see ValidatePaths.
func LoadConfig(r io.Reader) (*Config, error) {
	return loadYAML("config.yaml", r)
}

func loadYAML(filename string, r io.Reader) (*Config, error) {
	file, err := yaml.Extract(filename, r)
	if err != nil {
		return nil, err
	}
	return decode(cueCtx.BuildFile(file))
}

// LoadTOML is LoadConfig for TOML documents.
func LoadTOML(r io.Reader) (*Config, error) {
	var raw map[string]any
	md, err := toml.NewDecoder(r).Decode(&raw)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(cueCtx.Encode(raw))
	if err != nil {
		return nil, err
	}

	var names []string
	for _, key := range md.Keys() {
		if len(key) == 2 && key[0] == "services" {
			names = append(names, key[1])
		}
	}
	if len(names) == len(cfg.Services) {
		cfg.names = names
	}
	return cfg, nil
}

// LoadConfigFile reads path, picks the decoder from its extension and checks
// the filesystem preconditions of every service.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		cfg, err = LoadTOML(bytes.NewReader(b))
	default:
		cfg, err = loadYAML(filepath.Base(path), bytes.NewReader(b))
	}
	if err != nil {
		return nil, err
	}

	if err := ValidatePaths(*cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(value cue.Value) (*Config, error) {
	if value.Err() != nil {
		return nil, value.Err()
	}
	unified := schema.Unify(value)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, &ValidationError{Details: humanize(err), Err: err}
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	iter, err := unified.LookupPath(cue.ParsePath("services")).Fields()
	if err != nil {
		return nil, err
	}
	for iter.Next() {
		out.names = append(out.names, iter.Selector().Unquoted())
	}

	for name, svc := range out.Services {
		if svc.Env == nil {
			svc.Env = map[string]string{}
			out.Services[name] = svc
		}
	}
	return &out, nil
}
