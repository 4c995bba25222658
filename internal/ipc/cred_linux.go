//go:build linux

package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerCredential extracts the connecting process identity from the socket.
// The kernel fills this in; the peer cannot forge it.
func peerCredential(c *net.UnixConn) (Credential, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return Credential{}, fmt.Errorf("failed to access raw connection: %w", err)
	}

	var (
		cred    Credential
		sockErr error
	)

	if err := raw.Control(func(fd uintptr) {
		ucred, e := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if e != nil {
			sockErr = e

			return
		}

		cred = Credential{PID: int(ucred.Pid), UID: int(ucred.Uid), GID: int(ucred.Gid)}
	}); err != nil {
		return Credential{}, err
	}

	if sockErr != nil {
		return Credential{}, fmt.Errorf("failed to read peer credentials: %w", sockErr)
	}

	return cred, nil
}
