package devicemodel

import (
	"errors"
	"testing"
)

func TestIsValidDTMI(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"dtmi:impinj:R700;1", true},
		{"dtmi:seeed:wioterminal_aziot_example;1", true},
		{"dtmi:com:example:Thermostat;12", true},
		{"", false},
		{"dtmi:impinj:R700", false},
		{"dtmi:impinj:R700;0", false},
		{"dtmi:1impinj:R700;1", false},
		{"dtmi:impinj_:R700;1", false},
		{"urn:impinj:R700;1", false},
		{"dtmi:impinj:R700;1;2", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := IsValidDTMI(tt.id); got != tt.want {
				t.Errorf("IsValidDTMI(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestModelPath(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"dtmi:impinj:R700;1", "dtmi/impinj/r700-1.json"},
		{"dtmi:com:example:Thermostat;1", "dtmi/com/example/thermostat-1.json"},
		{"dtmi:seeed:wioterminal_aziot_example;3", "dtmi/seeed/wioterminal_aziot_example-3.json"},
	}
	for _, tt := range tests {
		got, err := ModelPath(tt.id)
		if err != nil {
			t.Fatalf("ModelPath(%q) error = %v", tt.id, err)
		}
		if got != tt.want {
			t.Errorf("ModelPath(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}

	if _, err := ModelPath("not a dtmi"); !errors.Is(err, ErrInvalidModelID) {
		t.Errorf("ModelPath(invalid) error = %v, want ErrInvalidModelID", err)
	}
}

func TestChildID(t *testing.T) {
	if got := childID("dtmi:a:B;1", "contents", "x"); got != "dtmi:a:B:_contents:__x;1" {
		t.Errorf("childID = %q", got)
	}
	if got := childID("dtmi:a:B:_contents:__x;1", "schema", ""); got != "dtmi:a:B:_contents:__x:_schema;1" {
		t.Errorf("childID(schema) = %q", got)
	}
}
