package shell

import (
	"os/exec"
	"testing"
)

func TestQuote(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", "''"},
		{"plain word", "chmod", "chmod"},
		{"absolute path", "/etc/passwd", "/etc/passwd"},
		{"mode", "0644", "0644"},
		{"owner", "root:wheel", "root:wheel"},
		{"space", "my file.txt", "'my file.txt'"},
		{"single quote", "it's", `'it'"'"'s'`},
		{"semicolon", "a;rm -rf /", "'a;rm -rf /'"},
		{"dollar", "$HOME", "'$HOME'"},
		{"backtick", "`id`", "'`id`'"},
		{"glob", "*.txt", "'*.txt'"},
		{"newline", "a\nb", "'a\nb'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Quote(tt.input); got != tt.want {
				t.Errorf("Quote(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestJoin(t *testing.T) {
	got := Join("chmod", "0644", "/tmp/a b.txt", "/tmp/c.txt")
	want := "chmod 0644 '/tmp/a b.txt' /tmp/c.txt"
	if got != want {
		t.Errorf("Join() = %q, want %q", got, want)
	}

	if got := Join(); got != "" {
		t.Errorf("Join() with no tokens = %q, want empty", got)
	}
}

func TestQuoteRoundTripThroughShell(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	inputs := []string{"plain", "with space", "it's", "$(id)", "a\"b", "tab\there", "*", ""}
	for _, in := range inputs {
		out, err := exec.Command("sh", "-c", "printf %s "+Quote(in)).Output()
		if err != nil {
			t.Fatalf("sh failed for %q: %v", in, err)
		}
		if string(out) != in {
			t.Errorf("shell saw %q, want %q", out, in)
		}
	}
}
