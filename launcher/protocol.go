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

package launcher

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

const (
	// launchFlag is the size header of the special first message the
	// guest daemon sends once it is up.  It carries no payload.
	launchFlag = 0xf5f55ff5

	// maxMessage bounds ordinary framed messages.
	maxMessage = 4 << 20

	// launchTimeout bounds the whole rendezvous: slow hosts unpacking
	// a large appliance under memory pressure can legitimately take
	// minutes.
	launchTimeout = 20 * time.Minute

	// acceptTick is how often the accept loop wakes up to emit
	// progress while waiting for the daemon to dial back.
	acceptTick = 2 * time.Second
)

// acceptFromDaemon waits for an inbound connection on the listening
// socket, emitting progress heartbeats while blocked.
func (g *Guest) acceptFromDaemon() (*net.TCPConn, error) {
	deadline := g.launchStart.Add(launchTimeout)
	for {
		if time.Now().After(deadline) {
			return nil, errors.New("timed out waiting for the guest daemon to connect")
		}
		if err := g.listener.SetDeadline(time.Now().Add(acceptTick)); err != nil {
			return nil, errors.Wrap(err, "setting accept deadline")
		}
		conn, err := g.listener.AcceptTCP()
		if err == nil {
			return conn, nil
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			g.sendProgress(6)
			continue
		}
		return nil, errors.Wrap(err, "accepting connection from the guest daemon")
	}
}

// recvFromDaemon reads one framed message: a 4-byte big-endian size
// header followed by that many bytes of payload.  The launch sentinel
// is a bare header with no payload; receiving it moves the handle to
// READY.
func (g *Guest) recvFromDaemon() (uint32, []byte, error) {
	if err := g.conn.SetReadDeadline(g.launchStart.Add(launchTimeout)); err != nil {
		return 0, nil, errors.Wrap(err, "setting read deadline")
	}
	var hdr [4]byte
	if _, err := io.ReadFull(g.conn, hdr[:]); err != nil {
		return 0, nil, errors.Wrap(err, "receiving message header from the guest daemon")
	}
	size := binary.BigEndian.Uint32(hdr[:])

	if size == launchFlag {
		if g.state == StateLaunching {
			g.state = StateReady
		}
		return size, nil, nil
	}

	if size > maxMessage {
		return 0, nil, errors.Errorf("message size %d from the guest daemon is too large", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(g.conn, buf); err != nil {
		return 0, nil, errors.Wrap(err, "receiving message body from the guest daemon")
	}
	return size, buf, nil
}
