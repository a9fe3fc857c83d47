// Package workspace validates workspace paths before any sandbox is created.
package workspace

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/noclaw/agentpool/internal/common/errors"
)

// blockedPrefixes are system directories an agent workspace must never live in.
var blockedPrefixes = []string{
	"/etc", "/usr", "/bin", "/sbin", "/boot", "/dev", "/proc", "/sys", "/root", "/var",
}

// allowedVarPrefixes carve out the per-user temp areas under /var.
// macOS canonicalises /var to /private/var, so both forms are listed.
var allowedVarPrefixes = []string{
	"/var/folders", "/var/tmp",
	"/private/var/folders", "/private/var/tmp",
}

// Validate resolves the candidate path to an absolute canonical path and
// rejects it if it is the filesystem root, lives under a blocked system
// prefix, or (when allowedRoot is set) falls outside allowedRoot.
// Returns the canonical path on success.
func Validate(path string, allowedRoot string) (string, error) {
	if path == "" {
		return "", errors.WorkspaceRejected(path, "empty path")
	}

	canonical, err := canonicalize(path)
	if err != nil {
		return "", errors.WorkspaceRejected(path, err.Error())
	}

	if canonical == "/" {
		return "", errors.WorkspaceRejected(path, "filesystem root is not a valid workspace")
	}

	for _, prefix := range blockedPrefixes {
		if !underPrefix(canonical, prefix) {
			continue
		}
		if prefix == "/var" && varException(canonical) {
			continue
		}
		return "", errors.WorkspaceRejected(path, "system directory "+prefix+" is blocked")
	}
	// /private/var is the canonical form of /var on some platforms.
	if underPrefix(canonical, "/private/var") && !varException(canonical) {
		return "", errors.WorkspaceRejected(path, "system directory /var is blocked")
	}

	if allowedRoot != "" {
		root, err := canonicalize(allowedRoot)
		if err != nil {
			return "", errors.WorkspaceRejected(path, "workspace root: "+err.Error())
		}
		if !underPrefix(canonical, root) {
			return "", errors.WorkspaceRejected(path, "outside workspace root "+root)
		}
	}

	return canonical, nil
}

// canonicalize resolves symlinks where the path (or its nearest existing
// ancestor) exists, then makes it absolute and clean. A workspace may not
// exist yet at validation time.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	// Resolve the deepest existing ancestor and rejoin the remainder.
	dir, base := filepath.Split(abs)
	dir = filepath.Clean(dir)
	if dir == abs {
		return abs, nil
	}
	resolvedDir, err := canonicalize(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, base), nil
}

func underPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+string(filepath.Separator))
}

func varException(path string) bool {
	for _, prefix := range allowedVarPrefixes {
		if underPrefix(path, prefix) {
			return true
		}
	}
	return false
}
