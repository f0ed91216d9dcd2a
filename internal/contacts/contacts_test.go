package contacts

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFormatPhone(t *testing.T) {
	tests := []struct {
		phone, cc, want string
	}{
		{"+1 555 123 4567", "", "+1 (555) 123-4567"},
		{"(555) 123-4567", "1", "+1 (555) 123-4567"},
		{"(555) 123-4567", "", "+5551234567"},
		{"011 2345 6789", "55", "+55 112 345 6789"},
		{"0044 20 7946 0958", "1", "+442079460958"},
		{"123", "1", ""},
		{"", "", ""},
		{"not a phone", "1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.phone, func(t *testing.T) {
			if got := FormatPhone(tt.phone, tt.cc); got != tt.want {
				t.Errorf("FormatPhone(%q, %q) = %q, want %q", tt.phone, tt.cc, got, tt.want)
			}
		})
	}
}

func TestCacheLookupAcrossNotations(t *testing.T) {
	c := NewCache("1", nil)
	if !c.Add(Contact{Name: "Alice", Phone: "555-123-4567"}) {
		t.Fatal("Add() = false")
	}
	for _, phone := range []string{"+1 555 123 4567", "(555) 123 4567", "15551234567"} {
		ct, ok := c.Lookup(phone)
		if !ok || ct.Name != "Alice" {
			t.Errorf("Lookup(%q) = %+v, %v", phone, ct, ok)
		}
	}
	if _, ok := c.Lookup("+44 20 7946 0958"); ok {
		t.Error("unexpected match for unknown number")
	}
}

func TestCacheAddRejectsIncomplete(t *testing.T) {
	c := NewCache("", nil)
	if c.Add(Contact{Name: "No phone"}) {
		t.Error("added contact without phone")
	}
	if c.Add(Contact{Phone: "+15551234567"}) {
		t.Error("added contact without name")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestCacheAddKeepsAvatar(t *testing.T) {
	c := NewCache("", nil)
	c.Add(Contact{Name: "Bob", Phone: "+15550000000", Avatar: "https://a/b.png"})
	c.Add(Contact{Name: "Robert", Phone: "+1 555 000 0000"})
	ct, _ := c.Lookup("+15550000000")
	if ct.Name != "Robert" || ct.Avatar != "https://a/b.png" {
		t.Errorf("contact = %+v", ct)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "contacts.toml")
	data := `
[[contact]]
name = "Alice"
phone = "+1 555 123 4567"

[[contact]]
name = "Carol"
phone = "+55 11 98765 4321"
avatar = "file:///carol.png"

[[contact]]
name = "Broken"
phone = "12"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	c := NewCache("", nil)
	n, err := c.LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("loaded %d, want 2", n)
	}
	if ct, ok := c.Lookup("+5511987654321"); !ok || ct.Avatar != "file:///carol.png" {
		t.Errorf("Lookup(carol) = %+v, %v", ct, ok)
	}
}

func TestLoadFileMissing(t *testing.T) {
	c := NewCache("", nil)
	n, err := c.LoadFile(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil || n != 0 {
		t.Errorf("LoadFile(missing) = %d, %v", n, err)
	}
	if n, err := c.LoadFile(""); err != nil || n != 0 {
		t.Errorf("LoadFile(\"\") = %d, %v", n, err)
	}
}

func TestReset(t *testing.T) {
	c := NewCache("", nil)
	c.Add(Contact{Name: "A", Phone: "+15551234567"})
	c.Reset()
	if c.Len() != 0 {
		t.Errorf("Len() after Reset = %d", c.Len())
	}
}
