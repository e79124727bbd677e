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

package peercred

import (
	"net"
	"testing"
)

// The fixture table holds a listener on 127.0.0.1:8080 and one
// established loopback connection: our end 8080 (uid 1000) and the
// peer's end 50000 (uid 1001).
func fixtureLookup(t *testing.T) *ProcfsLookup {
	t.Helper()
	l, err := NewProcfsLookupAt("testdata/proc")
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestPeerUIDFindsPeerLine(t *testing.T) {
	l := fixtureLookup(t)
	local := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
	remote := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}

	// The UID must come from the line describing the peer's socket,
	// not from our own accepted socket's line.
	uid, err := l.PeerUID(local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if uid != 1001 {
		t.Errorf("uid %d, want the peer's 1001", uid)
	}
}

func TestPeerUIDNoMatch(t *testing.T) {
	l := fixtureLookup(t)
	local := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
	remote := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 60000}
	if _, err := l.PeerUID(local, remote); err == nil {
		t.Error("expected no matching connection")
	}
}

// addrLookup records the tuple it was asked about.
type addrLookup struct {
	local, remote *net.TCPAddr
	uid           uint32
}

func (a *addrLookup) PeerUID(local, remote *net.TCPAddr) (uint32, error) {
	a.local, a.remote = local, remote
	return a.uid, nil
}

func TestFromConn(t *testing.T) {
	listener, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	dialed, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer dialed.Close()

	conn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	lookup := &addrLookup{uid: 4242}
	uid, err := FromConn(lookup, conn)
	if err != nil {
		t.Fatal(err)
	}
	if uid != 4242 {
		t.Errorf("uid %d, want 4242", uid)
	}
	if lookup.local.String() != conn.LocalAddr().String() {
		t.Errorf("local tuple %s, want %s", lookup.local, conn.LocalAddr())
	}
	if lookup.remote.String() != conn.RemoteAddr().String() {
		t.Errorf("remote tuple %s, want %s", lookup.remote, conn.RemoteAddr())
	}
}
