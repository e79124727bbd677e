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
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/coreos/guestvm/system/exec"
)

// recoveryPoll is how often the watchdog checks on its two targets.
const recoveryPoll = 2 * time.Second

// The recovery process exists so that a hypervisor never outlives a
// library process that died without running its cleanup (a segfault,
// a SIGKILL).  It is re-exec'd from our own binary, which requires the
// embedding program to call exec.MaybeExec early in main; without that
// the re-exec'd process runs the program's ordinary main instead of the
// watchdog, the spawn still succeeds and no warning is logged.  A
// failure to start the process at all is logged and launch carries on.
var recoveryEntrypoint = exec.NewEntrypoint("guestvm-recovery", runRecovery)

// spawnRecovery starts the watchdog for the given hypervisor pid.
func (g *Guest) spawnRecovery(vmPid int) (int, error) {
	cmd := recoveryEntrypoint.Command(strconv.Itoa(vmPid), strconv.Itoa(os.Getpid()))
	if g.ProcessGroup {
		cmd.Setpgid()
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	g.recoveryCmd = cmd
	return cmd.Pid(), nil
}

// runRecovery is the watchdog body, running in a fresh process.  A
// fresh exec gives it default signal dispositions and no inherited
// descriptors beyond the std trio, which point at /dev/null.
//
// Both PIDs might be reused by unrelated processes while we sleep;
// polling with kill(pid, 0) accepts that race in exchange for working
// everywhere.
func runRecovery(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: guestvm-recovery VMPID PARENTPID")
	}
	vmPid, err := strconv.Atoi(args[0])
	if err != nil {
		return errors.Wrapf(err, "bad vm pid %q", args[0])
	}
	parentPid, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.Wrapf(err, "bad parent pid %q", args[1])
	}

	for {
		if unix.Kill(vmPid, 0) != nil {
			// The hypervisor is gone; we aren't needed.
			return nil
		}
		if unix.Kill(parentPid, 0) != nil {
			// Parent's gone away with the hypervisor still around.
			unix.Kill(vmPid, unix.SIGKILL)
			return nil
		}
		time.Sleep(recoveryPoll)
	}
}
