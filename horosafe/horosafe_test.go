package horosafe

import (
	"strings"
	"testing"
)

func TestValidateSecret(t *testing.T) {
	if err := ValidateSecret([]byte("short")); err != ErrSecretTooShort {
		t.Fatalf("short secret: got %v", err)
	}
	if err := ValidateSecret([]byte(strings.Repeat("k", MinSecretLen))); err != nil {
		t.Fatalf("valid secret: %v", err)
	}
}

func TestValidateIdentifier(t *testing.T) {
	valid := []string{"brd_0192f3a0-7c1e-7abc-8def-0123456789ab", "board.v2", "a"}
	for _, s := range valid {
		if err := ValidateIdentifier(s); err != nil {
			t.Errorf("ValidateIdentifier(%q): %v", s, err)
		}
	}
	invalid := []string{"", "has space", "../etc", "semi;colon", strings.Repeat("x", 129)}
	for _, s := range invalid {
		if err := ValidateIdentifier(s); err == nil {
			t.Errorf("ValidateIdentifier(%q): expected error", s)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Fatalf("within limit: %q, %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader("hello!"), 5); err == nil {
		t.Fatal("over limit: expected error")
	}
}
