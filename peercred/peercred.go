// Copyright 2023 Red Hat
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package peercred attributes a loopback TCP connection to the user
// that owns its peer end.
//
// Ideally we would ask the kernel for SO_PEERCRED, but Linux only
// offers that for Unix sockets.  What it does export is the TCP
// connection table under /proc/net/tcp: one line per socket with the
// 4-tuple and the owning UID.  Matching the accepted connection's
// tuple against that table recovers the peer's effective UID.  The
// Lookup interface keeps the table walk replaceable on platforms that
// have a real syscall for this.
package peercred

import (
	"net"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// Lookup resolves the UID owning the socket whose local end is remote
// and whose remote end is local, i.e. the mirror image of the
// connection we accepted.
type Lookup interface {
	PeerUID(local, remote *net.TCPAddr) (uint32, error)
}

// ProcfsLookup walks the kernel's TCP connection table.  The table
// stores addresses as raw network-order 32-bit hex and ports in host
// order; the procfs parser normalizes both, so tuples compare
// directly against the socket's addresses.
type ProcfsLookup struct {
	fs procfs.FS
}

// NewProcfsLookup returns a lookup over the running kernel's table.
func NewProcfsLookup() (*ProcfsLookup, error) {
	return NewProcfsLookupAt(procfs.DefaultMountPoint)
}

// NewProcfsLookupAt opens the table under an alternate proc mount.
func NewProcfsLookupAt(mountPoint string) (*ProcfsLookup, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, errors.Wrapf(err, "opening proc filesystem at %s", mountPoint)
	}
	return &ProcfsLookup{fs: fs}, nil
}

func (l *ProcfsLookup) PeerUID(local, remote *net.TCPAddr) (uint32, error) {
	table, err := l.fs.NetTCP()
	if err != nil {
		return 0, errors.Wrap(err, "reading TCP connection table")
	}
	// The peer socket's local end is our remote end and vice versa.
	for _, line := range table {
		if line.LocalAddr.Equal(remote.IP) && int(line.LocalPort) == remote.Port &&
			line.RemAddr.Equal(local.IP) && int(line.RemPort) == local.Port {
			return uint32(line.UID), nil
		}
	}
	return 0, errors.Errorf("no matching TCP connection found for %s -> %s", remote, local)
}

// FromConn authenticates an accepted connection: the peer must be an
// IPv4 loopback address, and its owning UID is returned.
func FromConn(l Lookup, conn *net.TCPConn) (uint32, error) {
	remote, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return 0, errors.Errorf("unexpected peer address %v", conn.RemoteAddr())
	}
	if remote.IP.To4() == nil || !remote.IP.IsLoopback() {
		return 0, errors.Errorf("unexpected connection from non-IPv4, non-loopback peer %s", remote.IP)
	}
	local, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return 0, errors.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return l.PeerUID(local, remote)
}
