package flow

import (
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ParsedInput
	}{
		{
			name: "empty",
			raw:  "   ",
			want: ParsedInput{Raw: "   "},
		},
		{
			name: "number with spaces",
			raw:  " 12 ",
			want: ParsedInput{Raw: " 12 ", Normalized: "12", IsNumber: true, Number: 12},
		},
		{
			name: "mixed case text",
			raw:  "Quero o Plano Anual!",
			want: ParsedInput{
				Raw:        "Quero o Plano Anual!",
				Normalized: "quero o plano anual!",
				Keywords:   []string{"quero", "plano", "anual"},
			},
		},
		{
			name: "slash command",
			raw:  "/Status agora",
			want: ParsedInput{
				Raw:        "/Status agora",
				Normalized: "/status agora",
				IsCommand:  true,
				Command:    "status",
				Args:       []string{"agora"},
				Keywords:   []string{"status", "agora"},
			},
		},
		{
			name: "bang command without name",
			raw:  "!",
			want: ParsedInput{Raw: "!", Normalized: "!", IsCommand: true},
		},
		{
			name: "negative is not a number",
			raw:  "-3",
			want: ParsedInput{Raw: "-3", Normalized: "-3"},
		},
		{
			name: "accented text keeps letters",
			raw:  "OPÇÕES",
			want: ParsedInput{Raw: "OPÇÕES", Normalized: "opções", Keywords: []string{"opções"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Parse(tt.raw); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParse_NFC(t *testing.T) {
	// "início" written with a combining acute accent.
	decomposed := "ini\u0301cio"
	if got := Parse(decomposed).Normalized; got != "início" {
		t.Errorf("Normalized = %q, want composed \"início\"", got)
	}
}

func TestParse_Overflow(t *testing.T) {
	p := Parse("99999999999999999999999")
	if p.IsNumber {
		t.Error("numbers that overflow int are not numbers")
	}
}

func TestParse_Deterministic(t *testing.T) {
	for _, raw := range []string{"oi", "  2 ", "/menu x y", "Quero falar com alguém", ""} {
		if !reflect.DeepEqual(Parse(raw), Parse(raw)) {
			t.Errorf("Parse(%q) must be deterministic", raw)
		}
	}
}
