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
	osexec "os/exec"
	"strconv"
	"syscall"
	"testing"
	"time"
)

// A reaped child gives us a PID that kill(pid, 0) rejects without the
// PID-reuse window mattering at test timescales.
func deadPid(t *testing.T) int {
	t.Helper()
	cmd := osexec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		t.Fatal(err)
	}
	return pid
}

func TestRecoveryExitsWhenVMDies(t *testing.T) {
	vmPid := deadPid(t)

	done := make(chan error, 1)
	go func() {
		done <- runRecovery([]string{strconv.Itoa(vmPid), strconv.Itoa(os.Getpid())})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watchdog: %v", err)
		}
	case <-time.After(2 * recoveryPoll):
		t.Fatal("watchdog did not exit after the VM died")
	}
}

func TestRecoveryKillsVMWhenParentDies(t *testing.T) {
	vm := osexec.Command("sleep", "60")
	if err := vm.Start(); err != nil {
		t.Fatal(err)
	}
	parentPid := deadPid(t)

	done := make(chan error, 1)
	go func() {
		done <- runRecovery([]string{strconv.Itoa(vm.Process.Pid), strconv.Itoa(parentPid)})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("watchdog: %v", err)
		}
	case <-time.After(2 * recoveryPoll):
		t.Fatal("watchdog did not exit after the parent died")
	}

	err := vm.Wait()
	ee, ok := err.(*osexec.ExitError)
	if !ok {
		t.Fatalf("vm exit: %v", err)
	}
	status := ee.Sys().(syscall.WaitStatus)
	if !status.Signaled() || status.Signal() != syscall.SIGKILL {
		t.Errorf("vm was not killed: %v", status)
	}
}

func TestRecoveryBadArgs(t *testing.T) {
	for _, args := range [][]string{
		nil,
		{"123"},
		{"x", "y"},
		{"1", "2", "3"},
	} {
		if err := runRecovery(args); err == nil {
			t.Errorf("runRecovery(%q): expected an error", args)
		}
	}
}
