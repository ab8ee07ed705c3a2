package history

import (
	"strings"
	"testing"
)

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid short", "hello", false},
		{"valid unicode", "héllo wörld 👋", false},
		{"empty", "", true},
		{"too many bytes", strings.Repeat("x", MaxContentBytes+1), true},
		{"too many chars", strings.Repeat("é", MaxContentChars+1), true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
		{"at byte limit", strings.Repeat("x", MaxContentChars), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContent(tt.content)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateContent(%q...) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}
