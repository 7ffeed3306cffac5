// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"fmt"
	"strings"
)

// Fielder is implemented by stage results that expose named fields to
// routing guards.
type Fielder interface {
	Field(key string) (any, bool)
}

type guardKind int

const (
	guardAlways guardKind = iota
	guardEquals
	guardNotEquals
	guardHas
)

// Guard is a parsed connection condition.
//
// Supported forms:
//
//	""            always matches
//	"default"     always matches
//	"always"      always matches
//	"key=value"   field key formats to value
//	"key!=value"  field key is missing or formats to something else
//	"has:key"     field key is present
type Guard struct {
	kind  guardKind
	key   string
	value string
}

// ParseGuard parses a guard expression.
func ParseGuard(expr string) (Guard, error) {
	expr = strings.TrimSpace(expr)
	switch expr {
	case "", "default", "always":
		return Guard{kind: guardAlways}, nil
	}

	if rest, ok := strings.CutPrefix(expr, "has:"); ok {
		key := strings.TrimSpace(rest)
		if key == "" {
			return Guard{}, fmt.Errorf("%w: %q has no key", ErrInvalidGuard, expr)
		}
		return Guard{kind: guardHas, key: key}, nil
	}

	if key, value, ok := strings.Cut(expr, "!="); ok {
		key = strings.TrimSpace(key)
		if key == "" {
			return Guard{}, fmt.Errorf("%w: %q has no key", ErrInvalidGuard, expr)
		}
		return Guard{kind: guardNotEquals, key: key, value: strings.TrimSpace(value)}, nil
	}

	if key, value, ok := strings.Cut(expr, "="); ok {
		key = strings.TrimSpace(key)
		if key == "" {
			return Guard{}, fmt.Errorf("%w: %q has no key", ErrInvalidGuard, expr)
		}
		return Guard{kind: guardEquals, key: key, value: strings.TrimSpace(value)}, nil
	}

	return Guard{}, fmt.Errorf("%w: %q", ErrInvalidGuard, expr)
}

// Match evaluates the guard against a stage result.
func (g Guard) Match(result any) bool {
	switch g.kind {
	case guardAlways:
		return true
	case guardHas:
		_, ok := lookupField(result, g.key)
		return ok
	case guardEquals:
		v, ok := lookupField(result, g.key)
		return ok && fmt.Sprint(v) == g.value
	case guardNotEquals:
		v, ok := lookupField(result, g.key)
		return !ok || fmt.Sprint(v) != g.value
	}
	return false
}

func lookupField(result any, key string) (any, bool) {
	switch r := result.(type) {
	case Fielder:
		return r.Field(key)
	case map[string]any:
		v, ok := r[key]
		return v, ok
	case map[string]string:
		v, ok := r[key]
		return v, ok
	case string:
		// A bare string result is its own outcome.
		if key == "outcome" {
			return r, true
		}
	}
	return nil, false
}
