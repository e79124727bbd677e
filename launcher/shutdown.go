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
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Shutdown stops the appliance: the hypervisor is asked to terminate,
// the watchdog is killed, both are reaped, and the capability cache is
// dropped so nothing stale survives a hypervisor binary change.  It is
// idempotent; a second call is a no-op returning nil, the first call's
// exit-status verdict is not replayed.
func (g *Guest) Shutdown() error {
	if g.vmPid == 0 && g.recoveryPid == 0 && g.state == StateConfig {
		// Nothing is running, but any capability claims are stale the
		// moment a caller asks for a shutdown.
		g.caps = capabilityCache{}
		return nil
	}

	// With a monitor attached, give the guest a chance to power down
	// before the signal.
	if g.qmpSock != nil {
		if _, err := g.qmpSock.Run([]byte(`{"execute": "system_powerdown"}`)); err != nil {
			plog.Debugf("QMP system_powerdown: %v", err)
		}
		g.qmpSock.Disconnect()
		g.qmpSock = nil
	}

	if g.vmPid > 0 {
		plog.Debugf("sending SIGTERM to process %d", g.vmPid)
		unix.Kill(g.vmPid, unix.SIGTERM)
	}
	if g.recoveryPid > 0 {
		unix.Kill(g.recoveryPid, unix.SIGKILL)
	}

	var ret error
	if g.RecoveryProc && g.vmCmd != nil {
		// Without the watchdog nothing guarantees the hypervisor dies,
		// so only wait for it when the watchdog was requested.
		if err := g.vmCmd.Wait(); err != nil {
			ret = errors.Wrapf(err, "%s", g.HypervisorPath)
		}
	}
	if g.recoveryCmd != nil {
		g.recoveryCmd.Wait()
	}

	g.vmCmd = nil
	g.recoveryCmd = nil
	g.vmPid = 0
	g.recoveryPid = 0

	if g.stdinPipe != nil {
		g.stdinPipe.Close()
		g.stdinPipe = nil
	}
	if g.stdoutPipe != nil {
		g.stdoutPipe.Close()
		g.stdoutPipe = nil
	}
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	if g.tempdir != "" {
		os.RemoveAll(g.tempdir)
		g.tempdir = ""
	}
	g.qmpPath = ""

	// Drop every cached capability claim.
	g.caps = capabilityCache{}

	g.launchStart = time.Time{}
	g.state = StateConfig
	return ret
}
