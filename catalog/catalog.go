// Copyright (C) 2025 The lunagraph authors. All rights reserved.

// Package catalog defines the catalogue of named processor kinds a bridge
// session exposes to its hosted script.
//
// Processor names are the engine's canonical UpperCamelCase identifiers
// (e.g. "SineOscillator"). Each name is surfaced to the script as a global
// function whose name is the snake_case form reported by [Ident]
// (e.g. "sine_oscillator").
//
// # Usage
//
// Construct a new empty catalogue and add processor names to it:
//
//	cat := catalog.New().Add("SineOscillator", "Limiter")
//
// The catalogue preserves insertion order and silently drops duplicates, so
// repeating the same sequence of Add calls always yields the same
// catalogue. Use [Default] for the stock processor set, or [Load] to read a
// catalogue from a YAML file of the form:
//
//	processors:
//	  - SineOscillator
//	  - AdsrEnvelope
package catalog

import (
	"fmt"
	"os"

	"github.com/iancoleman/strcase"
	"gopkg.in/yaml.v3"
)

// A Catalog is an ordered, duplicate-free collection of processor names.
type Catalog struct {
	names []string
	index map[string]bool
}

// New creates a new empty catalogue.
func New() *Catalog { return &Catalog{index: make(map[string]bool)} }

// Add appends the specified names to c, skipping any already present, and
// returns c to allow chaining.
func (c *Catalog) Add(names ...string) *Catalog {
	for _, name := range names {
		if !c.index[name] {
			c.index[name] = true
			c.names = append(c.names, name)
		}
	}
	return c
}

// Names returns the processor names in c in insertion order. The caller
// must not modify the returned slice.
func (c *Catalog) Names() []string { return c.names }

// Len reports the number of processor names in c.
func (c *Catalog) Len() int { return len(c.names) }

// Contains reports whether name is present in c.
func (c *Catalog) Contains(name string) bool { return c.index[name] }

// Ident converts a processor name to the identifier under which it is
// exposed in the script's global namespace.
func Ident(name string) string { return strcase.ToSnake(name) }

// Default returns a catalogue populated with the stock processor set of the
// reference engine.
func Default() *Catalog {
	return New().Add(
		"SineOscillator",
		"BlSawOscillator",
		"TriOscillator",
		"NoiseGenerator",
		"AdsrEnvelope",
		"Limiter",
		"Metro",
	)
}

// catalogFile is the YAML schema of a catalogue file.
type catalogFile struct {
	Processors []string `yaml:"processors"`
}

// Parse parses data as a YAML catalogue description.
func Parse(data []byte) (*Catalog, error) {
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parsing catalogue: %w", err)
	}
	if len(cf.Processors) == 0 {
		return nil, fmt.Errorf("catalogue defines no processors")
	}
	return New().Add(cf.Processors...), nil
}

// Load reads and parses a YAML catalogue description from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
