package subdomain

import "testing"

func TestIsValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"ab", false},
		{"ABC123", false},
		{"abc-123", false},
		{"abc123", true},
		{"abc", true},
		{"abcdefghijklmnopqrst", true},
		{"abcdefghijklmnopqrstu", false},
		{"abc.def", false},
	}
	for _, tt := range tests {
		if got := IsValid(tt.in); got != tt.want {
			t.Fatalf("IsValid(%q): expected %v, got %v", tt.in, tt.want, got)
		}
	}
}

func TestGenerateUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		s := Generate()
		if len(s) != 6 {
			t.Fatalf("expected 6 characters, got %q", s)
		}
		if !IsValid(s) {
			t.Fatalf("expected generated value to be valid, got %q", s)
		}
		if _, dup := seen[s]; dup {
			t.Fatalf("expected unique values, got duplicate %q", s)
		}
		seen[s] = struct{}{}
	}
}

func TestExtractFromHost(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host   string
		base   string
		want   string
		wantOK bool
	}{
		{"foo.example.com", "example.com", "foo", true},
		{"foo.example.com:8080", "example.com", "foo", true},
		{"example.com", "example.com", "", false},
		{".example.com", "example.com", "", false},
		{"foo.other.com", "example.com", "", false},
		{"FOO.example.com", "example.com", "", false},
		{"foo.EXAMPLE.com", "example.com", "", false},
		{"a.b.example.com", "example.com", "", false},
		{"fo.example.com", "example.com", "", false},
		{"foo.example.com", "", "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractFromHost(tt.host, tt.base)
		if ok != tt.wantOK || got != tt.want {
			t.Fatalf("ExtractFromHost(%q, %q): expected (%q, %v), got (%q, %v)", tt.host, tt.base, tt.want, tt.wantOK, got, ok)
		}
	}
}
