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

// Package launcher boots a minimal guest appliance under a qemu-like
// hypervisor and establishes a trusted channel to the daemon running
// inside it.
//
// Why not libvirt?  We really do want to drive qemu directly: the argv
// we build depends on fine-grained capability probing of the specific
// binary, and the VM's lifecycle must be bound to the creating process.
// The guest daemon dials back to an ephemeral loopback port on the host
// ("null vmchannel"); the connection is authenticated by comparing the
// peer's effective UID against ours, since TCP loopback sockets carry
// no kernel peer credentials.
package launcher

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/digitalocean/go-qemu/qmp"
	"github.com/pkg/errors"

	"github.com/coreos/guestvm/peercred"
	"github.com/coreos/guestvm/system/exec"
)

var plog = capnslog.NewPackageLogger("github.com/coreos/guestvm", "launcher")

// State describes where a Guest is in its lifecycle.
type State int

const (
	// StateConfig is the initial state: drives and options may be changed.
	StateConfig State = iota
	// StateLaunching is transient while the hypervisor child is coming up.
	StateLaunching
	// StateReady means the guest daemon completed the handshake.
	StateReady
	// StateNoHandle is reached after Close.
	StateNoHandle
)

func (s State) String() string {
	switch s {
	case StateConfig:
		return "CONFIG"
	case StateLaunching:
		return "LAUNCHING"
	case StateReady:
		return "READY"
	case StateNoHandle:
		return "NO_HANDLE"
	default:
		return "UNKNOWN"
	}
}

// Drive is one backing file exposed to the guest as a virtual disk.
// Iface is the legacy per-drive bus override; only "", "ide" and
// "virtio" were ever meaningful, but other strings are passed through
// to the hypervisor verbatim.
type Drive struct {
	Path         string
	Iface        string
	Format       string
	DiskLabel    string
	Readonly     bool
	UseCacheNone bool
}

// qemuParam is one user-registered extra command line parameter.
// These are appended after everything else so they can override.
type qemuParam struct {
	flag     string
	value    string
	hasValue bool
}

// ProgressFunc receives launch progress on a 0..12 scale.
type ProgressFunc func(perDozen int)

// DriveAddedFunc is invoked after a successful launch so the caller's
// drive bookkeeping can account for the appliance disk occupying a
// slot after the user drives.
type DriveAddedFunc func(placeholder bool)

// Guest is a handle on one appliance VM.  The zero value is not usable;
// call New.  A Guest is owned by a single goroutine; distinct handles
// may launch concurrently.
type Guest struct {
	// HypervisorPath is the qemu binary (or wrapper) to run.
	HypervisorPath string

	// MemsizeMiB is the guest memory size.
	MemsizeMiB int
	// SMP is the virtual CPU count; values > 1 emit -smp.
	SMP int
	// Verbose enables timestamped launch breadcrumbs and the argv echo.
	Verbose bool
	// Direct makes the child inherit our stdio instead of pipes.
	Direct bool
	// ProcessGroup puts the hypervisor and the recovery process into
	// new process groups of their own.
	ProcessGroup bool
	// RecoveryProc controls the watchdog child that kills the VM if we
	// die without cleaning up.
	RecoveryProc bool
	// EnableQMP adds a QMP monitor socket and lets Shutdown attempt a
	// graceful system_powerdown before signalling.
	EnableQMP bool

	// ExtraOptions is a shell-quoted string of additional hypervisor
	// options, split with the same rules the hypervisor wrappers use.
	ExtraOptions string

	// Appliance locates or builds the kernel, initrd and root image.
	Appliance ApplianceBuilder
	// Cmdline builds the guest kernel command line.  Nil selects the
	// built-in one.
	Cmdline CommandLineBuilder
	// Progress, if set, receives launch progress notifications.
	Progress ProgressFunc
	// DriveAdded, if set, is called once after launch when an appliance
	// disk was attached.
	DriveAdded DriveAddedFunc

	// PeerLookup resolves the UID owning the inbound loopback
	// connection.  Nil selects the /proc based implementation.
	PeerLookup peercred.Lookup

	drives      []Drive
	extraParams []qemuParam

	state State
	caps  capabilityCache

	// prober runs the hypervisor for capability probing; replaced in tests.
	prober proberFunc

	// Transient launch state.
	listener    *net.TCPListener
	conn        net.Conn
	stdinPipe   *os.File // parent write end: child stdin
	stdoutPipe  *os.File // parent read end: child stdout+stderr
	vmCmd       *exec.ExecCmd
	recoveryCmd *exec.ExecCmd
	vmPid       int
	recoveryPid int
	launchStart time.Time

	tempdir string
	qmpSock *qmp.SocketMonitor
	qmpPath string
}

// New returns a Guest in CONFIG state with the usual defaults.
func New(hypervisorPath string) *Guest {
	return &Guest{
		HypervisorPath: hypervisorPath,
		MemsizeMiB:     768,
		SMP:            1,
		RecoveryProc:   true,
		state:          StateConfig,
	}
}

// State reports the handle's lifecycle state.
func (g *Guest) State() State {
	return g.state
}

// AddDrive registers a backing file to expose to the guest.  Drives
// must be added before Launch; order is preserved.
func (g *Guest) AddDrive(d Drive) error {
	if g.state != StateConfig {
		return errors.Errorf("cannot add a drive in state %s", g.state)
	}
	if d.Path == "" {
		return errors.New("drive path must not be empty")
	}
	g.drives = append(g.drives, d)
	return nil
}

// Drives returns a copy of the registered drives.
func (g *Guest) Drives() []Drive {
	out := make([]Drive, len(g.drives))
	copy(out, g.drives)
	return out
}

// AppendQemuParam registers a bare extra hypervisor flag, appended
// after all generated options.
func (g *Guest) AppendQemuParam(flag string) {
	g.extraParams = append(g.extraParams, qemuParam{flag: flag})
}

// AppendQemuParamPair registers an extra flag with a value.
func (g *Guest) AppendQemuParamPair(flag, value string) {
	g.extraParams = append(g.extraParams, qemuParam{flag: flag, value: value, hasValue: true})
}

// Pid returns the hypervisor process ID.
func (g *Guest) Pid() (int, error) {
	if g.vmPid <= 0 {
		return 0, errors.New("no hypervisor subprocess")
	}
	return g.vmPid, nil
}

// MaxDisks reports how many drives the chosen disk bus can carry.
func (g *Guest) MaxDisks() int {
	if g.useVirtioSCSI() {
		return 255
	}
	// conservative estimate for virtio-blk
	return 27
}

// StdioPipes returns the parent ends of the child's stdio plumbing:
// the write side feeding child stdin and the read side carrying child
// stdout and stderr.  Both are nil in direct mode or before launch.
func (g *Guest) StdioPipes() (stdin *os.File, stdout *os.File) {
	return g.stdinPipe, g.stdoutPipe
}

// Conn returns the authenticated daemon socket, valid once READY.
func (g *Guest) Conn() net.Conn {
	return g.conn
}

// Close shuts the appliance down if needed and invalidates the handle.
func (g *Guest) Close() error {
	var err error
	if g.state != StateConfig && g.state != StateNoHandle {
		err = g.Shutdown()
	}
	g.state = StateNoHandle
	return err
}

func (g *Guest) sendProgress(perDozen int) {
	if g.Progress != nil {
		g.Progress(perDozen)
	}
}

// timestamped logs a launch breadcrumb with the offset from launch start.
func (g *Guest) timestamped(format string, args ...interface{}) {
	if !g.Verbose {
		return
	}
	ms := time.Since(g.launchStart).Milliseconds()
	plog.Infof("[%05dms] %s", ms, fmt.Sprintf(format, args...))
}
