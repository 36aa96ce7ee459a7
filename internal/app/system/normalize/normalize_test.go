package normalize

import "testing"

func TestNormalizers(t *testing.T) {
	tests := []struct {
		name string
		fn   func(string) string
		in   string
		want string
	}{
		{"email lowercases", Email, " Ana@Example.COM\n", "ana@example.com"},
		{"email blank", Email, "   ", ""},
		{"login id badge", LoginID, " EMP-0042 ", "emp-0042"},
		{"name collapses", Name, "  Ana   Lima ", "Ana Lima"},
		{"name keeps case", Name, "de la Cruz", "de la Cruz"},
		{"name tabs", Name, "Ana\tLima", "Ana Lima"},
		{"code spaced", Code, " 123 456 ", "123456"},
		{"code hyphen", Code, "123-456", "123456"},
		{"code untouched", Code, "12a456", "12a456"},
		{"role", Role, " Admin ", "admin"},
		{"status", Status, "DISABLED", "disabled"},
		{"auth method", AuthMethod, " Google", "google"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
