package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestProjectID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "web", false},
		{"dotted", "api.example", false},
		{"hyphen and underscore", "proj_1-a", false},
		{"max length", strings.Repeat("a", MaxIDLength), false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", MaxIDLength+1), true},
		{"dot", ".", true},
		{"traversal", "..", true},
		{"slash", "a/b", true},
		{"space", "a b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ProjectID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ProjectID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidIdentifier) {
				t.Errorf("ProjectID(%q) error %v does not match ErrInvalidIdentifier", tt.id, err)
			}
		})
	}
}

func TestRunID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"0190b6a4-7d2e-7c3a-9f4e-2b8d1c6e5a40", false},
		{"run_1", false},
		{"", true},
		{"run.1", true},
		{"../etc", true},
	}
	for _, tt := range tests {
		err := RunID(tt.id)
		if (err != nil) != tt.wantErr {
			t.Errorf("RunID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
	}
}
