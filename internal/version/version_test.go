package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestShortRevision(t *testing.T) {
	tests := []struct {
		name string
		info Info
		want string
	}{
		{"empty", Info{}, ""},
		{"abbreviated", Info{Revision: "0123456789abcdef"}, "0123456"},
		{"short kept", Info{Revision: "abc"}, "abc"},
		{"dirty", Info{Revision: "0123456789", Modified: true}, "0123456-dirty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.info.short(); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestFull(t *testing.T) {
	full := Full()
	if !strings.HasPrefix(full, Version) {
		t.Errorf("Expected %q to start with version %q", full, Version)
	}
	if !strings.HasSuffix(full, runtime.Version()) {
		t.Errorf("Expected %q to end with the Go version", full)
	}
}
