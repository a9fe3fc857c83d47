package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/noclaw/agentpool/internal/common/errors"
)

func TestValidateRejectsSystemPaths(t *testing.T) {
	rejected := []string{
		"/etc/passwd",
		"/",
		"/root",
		"/root/work",
		"/var/log",
		"/usr/local/share",
		"/proc/self",
	}

	for _, path := range rejected {
		if _, err := Validate(path, ""); err == nil {
			t.Errorf("Validate(%q) succeeded, want rejection", path)
		} else if !errors.IsWorkspaceRejected(err) {
			t.Errorf("Validate(%q) returned %v, want WORKSPACE_REJECTED", path, err)
		}
	}
}

func TestValidateAllowsTempAreas(t *testing.T) {
	allowed := []string{
		"/tmp/x",
		"/var/folders/a/b",
		"/var/tmp/y",
		"/private/var/folders/zz/scratch",
	}

	for _, path := range allowed {
		if _, err := Validate(path, ""); err != nil {
			t.Errorf("Validate(%q) rejected: %v", path, err)
		}
	}
}

func TestValidateAllowedRoot(t *testing.T) {
	root := t.TempDir()

	inside := filepath.Join(root, "proj")
	canonical, err := Validate(inside, root)
	if err != nil {
		t.Fatalf("Validate inside root rejected: %v", err)
	}
	if canonical == "" {
		t.Fatal("expected canonical path")
	}

	outside := t.TempDir()
	if _, err := Validate(outside, root); err == nil {
		t.Errorf("Validate(%q) outside root %q succeeded, want rejection", outside, root)
	}
}

func TestValidateResolvesSymlinks(t *testing.T) {
	dir := t.TempDir()

	// A symlink that escapes into /etc must be rejected.
	link := filepath.Join(dir, "escape")
	if err := os.Symlink("/etc", link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}
	if _, err := Validate(link, ""); err == nil {
		t.Error("Validate through symlink into /etc succeeded, want rejection")
	}
}

func TestValidateNonexistentPath(t *testing.T) {
	dir := t.TempDir()

	// Workspaces may be created later; a missing leaf must still validate.
	missing := filepath.Join(dir, "not", "yet", "created")
	canonical, err := Validate(missing, "")
	if err != nil {
		t.Fatalf("Validate missing path rejected: %v", err)
	}
	if !filepath.IsAbs(canonical) {
		t.Errorf("canonical path %q is not absolute", canonical)
	}
}

func TestValidateEmptyPath(t *testing.T) {
	if _, err := Validate("", ""); err == nil {
		t.Error("Validate(\"\") succeeded, want rejection")
	}
}
