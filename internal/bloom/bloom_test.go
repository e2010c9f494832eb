package bloom

import (
	"testing"

	"github.com/pavelanni/bloomgen/internal/model"
)

func TestDepthForBloomMonotonic(t *testing.T) {
	prev := 0
	for level := MinLevel; level <= MaxLevel; level++ {
		d, err := DepthForBloom(level)
		if err != nil {
			t.Fatalf("DepthForBloom(%d): %v", level, err)
		}
		if d < prev {
			t.Errorf("DepthForBloom(%d) = %d, less than previous %d", level, d, prev)
		}
		prev = d
	}
}

func TestDepthForBloomValues(t *testing.T) {
	want := map[int]int{1: 2, 2: 3, 3: 5, 4: 8, 5: 12, 6: 15}
	for level, depth := range want {
		got, err := DepthForBloom(level)
		if err != nil {
			t.Fatalf("DepthForBloom(%d): %v", level, err)
		}
		if got != depth {
			t.Errorf("DepthForBloom(%d) = %d, want %d", level, got, depth)
		}
	}
}

func TestDepthForBloomInvalid(t *testing.T) {
	for _, level := range []int{-1, 0, 7, 100} {
		_, err := DepthForBloom(level)
		if !model.IsKind(err, model.KindInvalidBloomLevel) {
			t.Errorf("DepthForBloom(%d) error = %v, want invalid_bloom_level", level, err)
		}
	}
}

func TestMatchVerb(t *testing.T) {
	tests := []struct {
		name  string
		level int
		text  string
		want  Match
		verb  string
	}{
		{"exact apply", 3, "Apply the insertion algorithm to the keys 5, 3, 8.", ExactMatch, "apply"},
		{"case insensitive", 1, "DEFINE a binary search tree.", ExactMatch, "define"},
		{"adjacent lower", 3, "Explain how insertion works.", AdjacentMatch, "explain"},
		{"adjacent higher", 3, "Compare AVL and red-black trees.", AdjacentMatch, "compare"},
		{"no match", 1, "Design a new balanced tree.", NoMatch, ""},
		{"substring is not a verb", 1, "Listen to the lecture.", NoMatch, ""},
		{"invalid level", 9, "Define a tree.", NoMatch, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, verb := MatchVerb(tt.level, tt.text)
			if got != tt.want || verb != tt.verb {
				t.Errorf("MatchVerb(%d, %q) = (%v, %q), want (%v, %q)", tt.level, tt.text, got, verb, tt.want, tt.verb)
			}
		})
	}
}

func TestNameAndKey(t *testing.T) {
	if Name(4) != "Analyze" {
		t.Errorf("Name(4) = %q, want Analyze", Name(4))
	}
	if Name(0) != "" {
		t.Errorf("Name(0) = %q, want empty", Name(0))
	}
	if Key(2) != "L2" {
		t.Errorf("Key(2) = %q, want L2", Key(2))
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"L3", 3, false},
		{"l6", 6, false},
		{"1", 1, false},
		{" L2 ", 2, false},
		{"L7", 0, true},
		{"0", 0, true},
		{"L", 0, true},
		{"three", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseKey(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseKey(%q) = %d, %v", tt.in, got, err)
		}
		if err != nil && !model.IsKind(err, model.KindInvalidBloomLevel) {
			t.Errorf("ParseKey(%q): expected invalid_bloom_level, got %v", tt.in, err)
		}
	}
}
