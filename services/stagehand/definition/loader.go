// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/stagehand/services/stagehand/graph"
)

var (
	// ErrInvalidDocument is returned for files that decode but describe a
	// malformed graph.
	ErrInvalidDocument = errors.New("invalid pipeline definition")

	// ErrUnsupportedFormat is returned for file extensions other than
	// .yaml, .yml and .hcl.
	ErrUnsupportedFormat = errors.New("unsupported definition format")
)

// Format is a definition file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
)

// FormatOf returns the format implied by path's extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".hcl":
		return FormatHCL, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
	}
}

// hclFile is the top level of an HCL definition file.
type hclFile struct {
	Pipelines []Document `hcl:"pipeline,block"`
}

// Parse decodes every pipeline in data.
//
// Description:
//
//	YAML input may hold several documents separated by "---". HCL input may
//	hold several pipeline blocks. name is used in HCL diagnostics only.
//
// Outputs:
//
//	[]*graph.PipelineGraph - The graphs in file order. Not yet validated.
//	error - Decode failures or ErrInvalidDocument.
func Parse(data []byte, format Format, name string) ([]*graph.PipelineGraph, error) {
	var docs []Document
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		for {
			var d Document
			err := dec.Decode(&d)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("decode yaml %s: %w", name, err)
			}
			docs = append(docs, d)
		}
	case FormatHCL:
		parser := hclparse.NewParser()
		file, diags := parser.ParseHCL(data, name)
		if diags.HasErrors() {
			return nil, fmt.Errorf("parse hcl %s: %s", name, diags.Error())
		}
		var f hclFile
		if diags := gohcl.DecodeBody(file.Body, nil, &f); diags.HasErrors() {
			return nil, fmt.Errorf("decode hcl %s: %s", name, diags.Error())
		}
		docs = f.Pipelines
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s defines no pipelines", ErrInvalidDocument, name)
	}
	graphs := make([]*graph.PipelineGraph, 0, len(docs))
	for i := range docs {
		g, err := docs[i].Graph()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		graphs = append(graphs, g)
	}
	return graphs, nil
}

// LoadFile reads and decodes one definition file.
func LoadFile(path string) ([]*graph.PipelineGraph, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return Parse(data, format, path)
}

// LoadDir decodes every definition file directly under dir, in name order.
// Files with other extensions are ignored. The first failing file aborts.
func LoadDir(dir string) ([]*graph.PipelineGraph, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read definition dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := FormatOf(e.Name()); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []*graph.PipelineGraph
	for _, n := range names {
		gs, err := LoadFile(filepath.Join(dir, n))
		if err != nil {
			return nil, err
		}
		out = append(out, gs...)
	}
	return out, nil
}

// RegisterDir loads every definition under dir into reg.
//
// Description:
//
//	Unlike LoadDir, a bad file does not stop the others: every failure is
//	logged and returned joined, and every valid graph is registered.
//
// Outputs:
//
//	int - Number of graphs registered.
//	error - Joined load and registration failures, or nil.
func RegisterDir(reg *graph.Registry, dir string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read definition dir: %w", err)
	}

	var errs []error
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := FormatOf(e.Name()); err != nil {
			continue
		}
		path := filepath.Join(dir, e.Name())
		added, err := registerFile(reg, path)
		n += added
		if err != nil {
			logger.Warn("pipeline definition rejected",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	logger.Info("pipeline definitions loaded",
		slog.String("dir", dir),
		slog.Int("registered", n),
		slog.Int("failed", len(errs)),
	)
	return n, errors.Join(errs...)
}

func registerFile(reg *graph.Registry, path string) (int, error) {
	gs, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, g := range gs {
		if err := reg.Register(g); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
