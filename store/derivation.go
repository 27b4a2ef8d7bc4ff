// Copyright 2024 The zb Authors
// SPDX-License-Identifier: MIT

package store

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"

	"strata.dev/pkg/internal/aterm"
	"strata.dev/pkg/sortedset"
)

// DerivationExt is the file extension used for a store path that names a
// serialized derivation.
const DerivationExt = ".drv"

// DefaultOutputName is the name of a derivation's sole output when it
// doesn't declare multiple named outputs.
const DefaultOutputName = "out"

// DerivationOutput describes a single output of a [Derivation].
// A fixed-output derivation declares HashAlgorithm and HashValue; any
// other derivation leaves both empty. Path stays empty until the
// modular hash has been computed and the output path filled in.
type DerivationOutput struct {
	Path          Path
	HashAlgorithm string
	HashValue     string
}

// IsFixed reports whether o names a fixed-output result: one whose
// store path is derived directly from a declared content hash rather
// than from the owning derivation's modular hash.
func (o DerivationOutput) IsFixed() bool {
	return o.HashAlgorithm != ""
}

// Derivation is a parsed .drv file: a description of a single build
// step, in the canonical form used for hashing and store-path
// computation. It corresponds to the "Derive(...)" ATerm tuple.
type Derivation struct {
	// Dir is the store directory this derivation's paths belong to.
	Dir Directory

	// Outputs maps output name (conventionally "out") to its descriptor.
	Outputs map[string]DerivationOutput

	// InputDerivations maps the store path of a dependency .drv to the
	// set of its output names this derivation consumes.
	InputDerivations map[Path]*sortedset.Set[string]

	// InputSources lists store paths of non-derivation inputs (source
	// trees or other pre-existing store objects) this derivation reads.
	InputSources *sortedset.Set[Path]

	// System is the build platform, e.g. "x86_64-linux".
	System string

	// Builder is the store path of the executable that performs the
	// build.
	Builder string

	// Args are the command-line arguments passed to Builder.
	Args []string

	// Env is the builder's environment, including output path
	// placeholders that the build pipeline fills in once paths are
	// known.
	Env map[string]string
}

// Name derives the package name this derivation was constructed for
// from one of its own resolved output paths. It returns "" if no
// output path has been assigned yet (the derivation is still blank).
func (drv *Derivation) Name() string {
	if out, ok := drv.Outputs[DefaultOutputName]; ok && out.Path != "" {
		return out.Path.Name()
	}
	names := make([]string, 0, len(drv.Outputs))
	for name := range drv.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out := drv.Outputs[name]
		if out.Path == "" {
			continue
		}
		full := out.Path.Name()
		if suffix := "-" + name; len(full) > len(suffix) && full[len(full)-len(suffix):] == suffix {
			return full[:len(full)-len(suffix)]
		}
		return full
	}
	return ""
}

// MarshalText renders drv in canonical ATerm derivation format.
func (drv *Derivation) MarshalText() ([]byte, error) {
	var buf []byte
	buf = append(buf, "Derive("...)

	buf = append(buf, '[')
	names := make([]string, 0, len(drv.Outputs))
	for name := range drv.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		if i > 0 {
			buf = append(buf, ',')
		}
		out := drv.Outputs[name]
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, name)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, string(out.Path))
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, out.HashAlgorithm)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, out.HashValue)
		buf = append(buf, ')')
	}
	buf = append(buf, ']', ',')

	buf = append(buf, '[')
	drvPaths := make([]string, 0, len(drv.InputDerivations))
	for p := range drv.InputDerivations {
		drvPaths = append(drvPaths, string(p))
	}
	sort.Strings(drvPaths)
	for i, p := range drvPaths {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, p)
		buf = append(buf, ',', '[')
		outs := drv.InputDerivations[Path(p)]
		for j := 0; j < outs.Len(); j++ {
			if j > 0 {
				buf = append(buf, ',')
			}
			buf = aterm.AppendString(buf, outs.At(j))
		}
		buf = append(buf, ']', ')')
	}
	buf = append(buf, ']', ',')

	buf = append(buf, '[')
	if drv.InputSources != nil {
		for i := 0; i < drv.InputSources.Len(); i++ {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = aterm.AppendString(buf, string(drv.InputSources.At(i)))
		}
	}
	buf = append(buf, ']', ',')

	buf = aterm.AppendString(buf, drv.System)
	buf = append(buf, ',')
	buf = aterm.AppendString(buf, drv.Builder)
	buf = append(buf, ',')

	buf = append(buf, '[')
	for i, a := range drv.Args {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = aterm.AppendString(buf, a)
	}
	buf = append(buf, ']', ',')

	buf = append(buf, '[')
	envKeys := make([]string, 0, len(drv.Env))
	for k := range drv.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for i, k := range envKeys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '(')
		buf = aterm.AppendString(buf, k)
		buf = append(buf, ',')
		buf = aterm.AppendString(buf, drv.Env[k])
		buf = append(buf, ')')
	}
	buf = append(buf, ']', ')')

	return buf, nil
}

// ParseDerivation parses the canonical ATerm derivation format produced
// by [Derivation.MarshalText].
//
// The scanner in package aterm only understands quoted strings and
// bracket/paren delimiters, not bare identifiers, so the literal
// "Derive" word is stripped by hand before the remaining
// "(outputs,inputDrvs,inputSrcs,platform,builder,args,env)" tuple is
// handed to the scanner, which parses it as an ordinary 7-tuple.
func ParseDerivation(dir Directory, data []byte) (*Derivation, error) {
	rest, ok := bytes.CutPrefix(data, []byte("Derive"))
	if !ok {
		return nil, fmt.Errorf("parse derivation: missing \"Derive\" header")
	}

	s := aterm.NewScanner(bufio.NewReader(bytes.NewReader(rest)))
	p := &drvParser{s: s}

	if err := p.expectKind(aterm.LParen); err != nil {
		return nil, fmt.Errorf("parse derivation: %w", err)
	}

	drv := &Derivation{
		Dir:              dir,
		Outputs:          make(map[string]DerivationOutput),
		InputDerivations: make(map[Path]*sortedset.Set[string]),
		InputSources:     new(sortedset.Set[Path]),
	}

	if err := p.expectKind(aterm.LBracket); err != nil {
		return nil, fmt.Errorf("parse derivation outputs: %w", err)
	}
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return nil, fmt.Errorf("parse derivation outputs: %w", err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		if tok.Kind != aterm.LParen {
			return nil, fmt.Errorf("parse derivation outputs: unexpected token %v", tok)
		}
		name, err := p.readString()
		if err != nil {
			return nil, err
		}
		path, err := p.readString()
		if err != nil {
			return nil, err
		}
		algo, err := p.readString()
		if err != nil {
			return nil, err
		}
		val, err := p.readString()
		if err != nil {
			return nil, err
		}
		if err := p.expectKind(aterm.RParen); err != nil {
			return nil, fmt.Errorf("parse derivation outputs: %w", err)
		}
		if _, exists := drv.Outputs[name]; exists {
			return nil, fmt.Errorf("parse derivation outputs: duplicate output %q", name)
		}
		drv.Outputs[name] = DerivationOutput{Path: Path(path), HashAlgorithm: algo, HashValue: val}
	}

	if err := p.expectKind(aterm.LBracket); err != nil {
		return nil, fmt.Errorf("parse derivation input drvs: %w", err)
	}
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return nil, fmt.Errorf("parse derivation input drvs: %w", err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		if tok.Kind != aterm.LParen {
			return nil, fmt.Errorf("parse derivation input drvs: unexpected token %v", tok)
		}
		path, err := p.readString()
		if err != nil {
			return nil, err
		}
		outs, err := p.readStringList()
		if err != nil {
			return nil, err
		}
		if err := p.expectKind(aterm.RParen); err != nil {
			return nil, fmt.Errorf("parse derivation input drvs: %w", err)
		}
		set := new(sortedset.Set[string])
		set.Add(outs...)
		drv.InputDerivations[Path(path)] = set
	}

	srcs, err := p.readStringList()
	if err != nil {
		return nil, fmt.Errorf("parse derivation input sources: %w", err)
	}
	for _, src := range srcs {
		drv.InputSources.Add(Path(src))
	}

	system, err := p.readString()
	if err != nil {
		return nil, fmt.Errorf("parse derivation platform: %w", err)
	}
	drv.System = system

	builder, err := p.readString()
	if err != nil {
		return nil, fmt.Errorf("parse derivation builder: %w", err)
	}
	drv.Builder = builder

	args, err := p.readStringList()
	if err != nil {
		return nil, fmt.Errorf("parse derivation args: %w", err)
	}
	drv.Args = args

	if err := p.expectKind(aterm.LBracket); err != nil {
		return nil, fmt.Errorf("parse derivation env: %w", err)
	}
	drv.Env = make(map[string]string)
	for {
		tok, err := s.ReadToken()
		if err != nil {
			return nil, fmt.Errorf("parse derivation env: %w", err)
		}
		if tok.Kind == aterm.RBracket {
			break
		}
		if tok.Kind != aterm.LParen {
			return nil, fmt.Errorf("parse derivation env: unexpected token %v", tok)
		}
		key, err := p.readString()
		if err != nil {
			return nil, err
		}
		val, err := p.readString()
		if err != nil {
			return nil, err
		}
		if err := p.expectKind(aterm.RParen); err != nil {
			return nil, fmt.Errorf("parse derivation env: %w", err)
		}
		drv.Env[key] = val
	}

	if err := p.expectKind(aterm.RParen); err != nil {
		return nil, fmt.Errorf("parse derivation: %w", err)
	}

	return drv, nil
}

// drvParser wraps an [aterm.Scanner] with the handful of read operations
// a derivation's grammar needs, so that [ParseDerivation] reads like the
// grammar it's parsing rather than a flat stream of token checks.
type drvParser struct {
	s *aterm.Scanner
}

func (p *drvParser) expectKind(kind aterm.TokenKind) error {
	tok, err := p.s.ReadToken()
	if err != nil {
		return err
	}
	if tok.Kind != kind {
		return fmt.Errorf("expected %v, got %v", kind, tok)
	}
	return nil
}

func (p *drvParser) readString() (string, error) {
	tok, err := p.s.ReadToken()
	if err != nil {
		return "", err
	}
	if tok.Kind != aterm.String {
		return "", fmt.Errorf("expected string, got %v", tok)
	}
	return tok.Value, nil
}

func (p *drvParser) readStringList() ([]string, error) {
	if err := p.expectKind(aterm.LBracket); err != nil {
		return nil, err
	}
	var items []string
	for {
		tok, err := p.s.ReadToken()
		if err != nil {
			return nil, err
		}
		if tok.Kind == aterm.RBracket {
			return items, nil
		}
		if tok.Kind != aterm.String {
			return nil, fmt.Errorf("expected string, got %v", tok)
		}
		items = append(items, tok.Value)
	}
}
