// Package sourceparser models the source-parsing step spec.md §1 explicitly
// scopes out: "source text → typed descriptor" is treated as an external
// collaborator, specified only by the interface the registry consumes.
//
// The default implementation here is a deliberately light heuristic scanner
// — regex over constructor(...) and method signatures — sufficient to drive
// the registry and its tests, standing in for the real TypeScript-aware
// parser the specification excludes.
package sourceparser

import (
	"regexp"
	"strings"
)

// RawParam is a parsed constructor parameter, before env-var resolution
// (which belongs to the registry, not the parser).
type RawParam struct {
	Name       string
	Type       string
	Optional   bool
	HasDefault bool
	Default    any
}

// RawMethod is a parsed method signature.
type RawMethod struct {
	Name       string
	IsTest     bool
	IsTemplate bool
}

// RawClassMeta is extracted class-level annotation metadata (doc-comment
// tags such as @description, @icon, @label, @version, @author).
type RawClassMeta struct {
	Description string
	Icon        string
	Label       string
	Version     string
	Author      string
}

// Descriptor is the parser's full output: everything derivable from source
// text alone, before the registry's runtime load step fills in the rest.
type Descriptor struct {
	Params  []RawParam
	Methods []RawMethod
	Meta    RawClassMeta
}

// Parser extracts a Descriptor from photon source text. Implementations need
// not execute the source; this is static analysis only.
type Parser interface {
	Parse(src []byte) (*Descriptor, error)
}

// Heuristic is the shipped default Parser: a regex-based scanner good enough
// to exercise the registry's pre-check/load pipeline without a full
// TypeScript AST.
type Heuristic struct{}

// NewHeuristic constructs the default heuristic Parser.
func NewHeuristic() Parser { return Heuristic{} }

var (
	constructorParamsRe = regexp.MustCompile(`constructor\s*\(([^)]*)\)`)
	methodRe            = regexp.MustCompile(`(?m)^\s*(?:async\s+)?([a-zA-Z_$][\w$]*)\s*\(`)
	tagRe               = regexp.MustCompile(`@(\w+)\s+(.+)`)
)

// Parse scans src for a constructor parameter list, top-level method
// signatures, and @tag doc-comment metadata.
func (Heuristic) Parse(src []byte) (*Descriptor, error) {
	text := string(src)
	d := &Descriptor{}

	if m := constructorParamsRe.FindStringSubmatch(text); m != nil {
		d.Params = parseParams(m[1])
	}

	seen := map[string]bool{"constructor": true}
	for _, m := range methodRe.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		d.Methods = append(d.Methods, RawMethod{
			Name:       name,
			IsTest:     strings.HasPrefix(name, "test"),
			IsTemplate: strings.HasSuffix(name, "Template"),
		})
	}

	for _, m := range tagRe.FindAllStringSubmatch(text, -1) {
		value := strings.TrimSpace(m[2])
		switch m[1] {
		case "description":
			d.Meta.Description = value
		case "icon":
			d.Meta.Icon = value
		case "label":
			d.Meta.Label = value
		case "version":
			d.Meta.Version = value
		case "author":
			d.Meta.Author = value
		}
	}

	return d, nil
}

// parseParams splits a constructor's raw parameter-list text into RawParam
// entries. Supports "name: type", "name?: type", and "name = default" forms.
func parseParams(raw string) []RawParam {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var params []RawParam
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p := RawParam{Type: "string"}

		if idx := strings.Index(part, "="); idx >= 0 {
			p.HasDefault = true
			p.Default = strings.Trim(strings.TrimSpace(part[idx+1:]), `"'`)
			part = strings.TrimSpace(part[:idx])
		}

		if idx := strings.Index(part, ":"); idx >= 0 {
			p.Type = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}

		if strings.HasSuffix(part, "?") {
			p.Optional = true
			part = strings.TrimSuffix(part, "?")
		}

		p.Name = strings.TrimSpace(part)
		if p.Name != "" {
			params = append(params, p)
		}
	}
	return params
}
