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
	"path/filepath"
	"runtime"
	"testing"
)

// stubHypervisor answers the capability probes and, when launched for
// real, extracts the vmchannel port from the kernel command line,
// dials back and sends the launch sentinel, then idles until SIGTERM.
const stubHypervisor = `#!/bin/bash
if [ "$1" = "-nographic" ] && [ "$2" = "-help" ]; then
    cat <<'EOF'
-machine [type=]name
-nodefconfig
-nodefaults
-m megs
-drive [file=file][,if=type][,cache=writethrough|writeback|none|unsafe]
EOF
    exit 0
fi
if [ "$1" = "-version" ]; then
    echo "QEMU emulator version 2.1.2"
    exit 0
fi
if [ "$1" = "-device" ] && [ "$2" = "?" ]; then
    echo 'name "virtio-blk-pci", bus PCI'
    exit 0
fi

trap 'exit 0' TERM

port=""
prev=""
for a in "$@"; do
    if [ "$prev" = "-append" ]; then
        port=$(printf '%s' "$a" | sed -n 's/.*guestfs_vmchannel=tcp:10\.0\.2\.2:\([0-9]*\).*/\1/p')
    fi
    prev="$a"
done
[ -n "$port" ] || exit 1

exec 3<>"/dev/tcp/127.0.0.1/$port" || exit 1
printf '\365\365\137\365' >&3

while :; do sleep 1; done
`

func TestLaunchWithStubHypervisor(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("needs the Linux TCP connection table")
	}
	if _, err := osexec.LookPath("bash"); err != nil {
		t.Skip("needs bash for the stub hypervisor")
	}
	if _, err := os.Stat("/proc/net/tcp"); err != nil {
		t.Skip("no /proc/net/tcp")
	}

	dir := t.TempDir()
	stub := filepath.Join(dir, "qemu-stub")
	if err := os.WriteFile(stub, []byte(stubHypervisor), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"kernel", "initrd", "disk.img"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	g := New(stub)
	// The recovery watchdog would re-exec the test binary, which does
	// not route entrypoints; run without it.
	g.RecoveryProc = false
	g.Appliance = &FixedAppliance{
		Kernel: filepath.Join(dir, "kernel"),
		Initrd: filepath.Join(dir, "initrd"),
	}
	if err := g.AddDrive(Drive{Path: filepath.Join(dir, "disk.img")}); err != nil {
		t.Fatal(err)
	}

	var milestones []int
	g.Progress = func(perDozen int) {
		milestones = append(milestones, perDozen)
	}

	if err := g.Launch(); err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer g.Shutdown()

	if g.State() != StateReady {
		t.Errorf("state %s, want READY", g.State())
	}
	if g.Conn() == nil {
		t.Error("no data socket published")
	}
	if g.listener != nil {
		t.Error("listening socket must be closed after the handshake")
	}
	if pid, err := g.Pid(); err != nil || pid <= 0 {
		t.Errorf("pid %d, %v", pid, err)
	}
	stdin, stdout := g.StdioPipes()
	if stdin == nil || stdout == nil {
		t.Error("stdio pipes not recorded")
	}

	if len(milestones) < 2 || milestones[0] != 0 || milestones[len(milestones)-1] != 12 {
		t.Errorf("progress milestones %v, want 0 first and 12 last", milestones)
	}

	if err := g.Shutdown(); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	if g.State() != StateConfig {
		t.Errorf("state %s after shutdown, want CONFIG", g.State())
	}
	if err := g.Shutdown(); err != nil {
		t.Errorf("second shutdown: %v", err)
	}
}
