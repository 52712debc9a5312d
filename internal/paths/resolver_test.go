package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalize(t *testing.T) {
	dir := t.TempDir()
	canonical, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", dir, canonical},
		{"trailing slash", dir + "/", canonical},
		{"dot segments", filepath.Join(dir, "a", ".."), canonical},
		{"missing dir kept absolute", filepath.Join(dir, "nope"), filepath.Join(canonical, "nope")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalize_Symlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	link := filepath.Join(dir, "link")
	if err := os.Mkdir(target, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	a, _ := Normalize(target)
	b, _ := Normalize(link)
	if a != b {
		t.Errorf("Normalize(link) = %q, Normalize(target) = %q, want equal", b, a)
	}
}

func TestNormalize_Empty(t *testing.T) {
	wd, _ := os.Getwd()
	want, _ := filepath.EvalSymlinks(wd)
	got, err := Normalize("")
	if err != nil {
		t.Fatalf("Normalize(\"\") error: %v", err)
	}
	if got != want {
		t.Errorf("Normalize(\"\") = %q, want %q", got, want)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	tests := []struct {
		in, want string
	}{
		{"~", home},
		{"~/projects", filepath.Join(home, "projects")},
		{"~other/x", "~other/x"},
		{"/abs", "/abs"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
