// Copyright (C) 2025 The lunagraph authors. All rights reserved.

package catalog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/lunagraph/lunagraph/catalog"
)

func TestCatalogAdd(t *testing.T) {
	cat := catalog.New().
		Add("SineOscillator", "Limiter").
		Add("Limiter", "Metro"). // duplicate is dropped
		Add("SineOscillator")    // so is this one

	want := []string{"SineOscillator", "Limiter", "Metro"}
	if diff := cmp.Diff(want, cat.Names()); diff != "" {
		t.Errorf("Names (-want, +got):\n%s", diff)
	}
	if got := cat.Len(); got != len(want) {
		t.Errorf("Len: got %d, want %d", got, len(want))
	}
	if !cat.Contains("Metro") {
		t.Error("Contains(Metro): got false, want true")
	}
	if cat.Contains("Nonesuch") {
		t.Error("Contains(Nonesuch): got true, want false")
	}
}

func TestIdent(t *testing.T) {
	tests := []struct {
		name, want string
	}{
		{"SineOscillator", "sine_oscillator"},
		{"BlSawOscillator", "bl_saw_oscillator"},
		{"AdsrEnvelope", "adsr_envelope"},
		{"Metro", "metro"},
		{"metro", "metro"},
	}
	for _, tc := range tests {
		if got := catalog.Ident(tc.name); got != tc.want {
			t.Errorf("Ident(%q): got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestDefault(t *testing.T) {
	cat := catalog.Default()
	if cat.Len() == 0 {
		t.Fatal("Default catalogue is empty")
	}
	for _, name := range []string{"SineOscillator", "Limiter"} {
		if !cat.Contains(name) {
			t.Errorf("Default catalogue is missing %q", name)
		}
	}
}

func TestParse(t *testing.T) {
	cat, err := catalog.Parse([]byte(`
processors:
  - SineOscillator
  - AdsrEnvelope
  - SineOscillator
`))
	if err != nil {
		t.Fatalf("Parse: unexpected error: %v", err)
	}
	want := []string{"SineOscillator", "AdsrEnvelope"}
	if diff := cmp.Diff(want, cat.Names()); diff != "" {
		t.Errorf("Names (-want, +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"invalid-yaml", "processors: [unclosed"},
		{"empty", ""},
		{"no-processors", "other: [stuff]"},
		{"empty-list", "processors: []"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cat, err := catalog.Parse([]byte(tc.input))
			if err == nil {
				t.Errorf("Parse %q: got %+v, want error", tc.input, cat)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cat.yml")
	if err := os.WriteFile(path, []byte("processors: [Metro, Limiter]\n"), 0600); err != nil {
		t.Fatalf("Write test input: %v", err)
	}
	cat, err := catalog.Load(path)
	if err != nil {
		t.Fatalf("Load: unexpected error: %v", err)
	}
	want := []string{"Metro", "Limiter"}
	if diff := cmp.Diff(want, cat.Names()); diff != "" {
		t.Errorf("Names (-want, +got):\n%s", diff)
	}

	if _, err := catalog.Load(filepath.Join(t.TempDir(), "nonesuch.yml")); err == nil {
		t.Error("Load of a missing file: got nil, want error")
	}
}
