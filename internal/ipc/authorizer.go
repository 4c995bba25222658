package ipc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnauthorized rejects a connection before any slot is touched.
var ErrUnauthorized = errors.New("connection not authorized")

// Credential is the kernel-attested identity of a connecting process.
type Credential struct {
	PID int
	UID int
	GID int
}

// Identity is what authorization resolves a credential into.
type Identity struct {
	// Package is the client's package name; it keys the slot table.
	Package string

	// SecurityLabel is the process's LSM label, when one is readable.
	SecurityLabel string
}

// Authorizer decides whether a credential may use the daemon and resolves it
// to a package identity.
type Authorizer interface {
	Authorize(cred Credential) (Identity, error)
}

// ProcAuthorizer resolves identity from the proc filesystem: the package
// name comes from the process's command line, the security label from the
// LSM attribute when the kernel exposes one.
type ProcAuthorizer struct {
	// AllowedUIDs, when non-empty, restricts which uids may connect.
	AllowedUIDs []int

	// ProcRoot overrides /proc, for tests.
	ProcRoot string
}

func (a *ProcAuthorizer) Authorize(cred Credential) (Identity, error) {
	if len(a.AllowedUIDs) > 0 {
		allowed := false

		for _, uid := range a.AllowedUIDs {
			if uid == cred.UID {
				allowed = true

				break
			}
		}

		if !allowed {
			return Identity{}, fmt.Errorf("%w: uid %d not allowed", ErrUnauthorized, cred.UID)
		}
	}

	root := a.ProcRoot
	if root == "" {
		root = "/proc"
	}

	pkg, err := readPackageName(root, cred.PID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: cannot resolve package for pid %d: %v", ErrUnauthorized, cred.PID, err)
	}

	return Identity{
		Package:       pkg,
		SecurityLabel: readSecurityLabel(root, cred.PID),
	}, nil
}

func readPackageName(procRoot string, pid int) (string, error) {
	data, err := os.ReadFile(filepath.Join(procRoot, fmt.Sprint(pid), "cmdline"))
	if err != nil {
		return "", err
	}

	// cmdline is NUL-separated; the first token is the executable.
	if i := strings.IndexByte(string(data), 0); i >= 0 {
		data = data[:i]
	}

	name := filepath.Base(strings.TrimSpace(string(data)))
	if name == "" || name == "." {
		return "", errors.New("empty command line")
	}

	return name, nil
}

func readSecurityLabel(procRoot string, pid int) string {
	data, err := os.ReadFile(filepath.Join(procRoot, fmt.Sprint(pid), "attr", "current"))
	if err != nil {
		return ""
	}

	return strings.TrimRight(string(data), "\x00\n")
}
