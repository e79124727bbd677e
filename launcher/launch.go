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
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/coreos/guestvm/peercred"
	"github.com/coreos/guestvm/system/exec"
	"github.com/coreos/guestvm/util"
)

// User-mode networking for the dial-back channel.  The guest sees a
// fixed private /24 with the host reachable at the router address.
const (
	vmNetwork = "10.0.2.0/24"
	vmRouter  = "10.0.2.2"
)

// Launch boots the appliance and blocks until the guest daemon has
// connected back and completed the handshake.  On any failure the
// handle is returned to CONFIG with every process and descriptor the
// launch created torn down.
func (g *Guest) Launch() error {
	if len(g.drives) == 0 {
		return launchErrf(ErrPrecondition, "you must add a drive before launching")
	}
	if g.state != StateConfig {
		return launchErrf(ErrPrecondition, "launch called in state %s", g.state)
	}
	g.launchStart = time.Now()

	g.sendProgress(0)

	if g.Appliance == nil {
		return launchErrf(ErrAppliancePrep, "no appliance builder configured")
	}
	kernel, initrd, appliance, err := g.Appliance.BuildAppliance()
	if err != nil {
		return launchErr(ErrAppliancePrep, err)
	}
	hasApplianceDrive := appliance != ""

	g.sendProgress(3)

	g.timestamped("begin testing hypervisor features")
	if _, err := g.supportsOption(""); err != nil {
		return launchErr(ErrCapabilityProbe, err)
	}

	// The daemon connects back to an ephemeral loopback port.  Any
	// local process could dial it, so every accepted connection is
	// authenticated by peer UID before use.
	listener, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return launchErr(ErrSocketSetup, errors.Wrap(err, "listening on loopback"))
	}
	g.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port
	plog.Debugf("vmchannel port = %d", port)

	// Child stdio plumbing: one pipe feeds stdin, a second carries
	// stdout.  The hypervisor spews diagnostics on stderr, so stderr
	// shares the stdout pipe rather than confusing casual users.
	var childStdin, childStdout *os.File
	if !g.Direct {
		var parentStdin, parentStdout *os.File
		childStdin, parentStdin, err = os.Pipe()
		if err == nil {
			parentStdout, childStdout, err = os.Pipe()
			if err != nil {
				childStdin.Close()
				parentStdin.Close()
			}
		}
		if err != nil {
			g.cleanup()
			return launchErr(ErrSocketSetup, errors.Wrap(err, "creating stdio pipes"))
		}
		g.stdinPipe = parentStdin
		g.stdoutPipe = parentStdout
	}

	g.timestamped("finished testing hypervisor features")

	// Commit all capability decisions before the spawn; the child
	// observes an immutable snapshot.
	virtioSCSI := g.useVirtioSCSI()
	applianceDev := ""
	if hasApplianceDrive {
		applianceDev = applianceDeviceName(g.drives, virtioSCSI)
	}

	// Allocate the monitor socket path first so that buildArgv can only
	// fail on the extra option string.
	if g.EnableQMP {
		if _, err := g.qmpSocketPath(); err != nil {
			g.closeChildEnds(childStdin, childStdout)
			g.cleanup()
			return launchErr(ErrSocketSetup, err)
		}
	}

	av, err := g.buildArgv(kernel, initrd, appliance, applianceDev, port, virtioSCSI)
	if err != nil {
		g.closeChildEnds(childStdin, childStdout)
		g.cleanup()
		return launchErr(ErrCommandLineParse, err)
	}

	argv := av.Slice()
	vm := exec.Command(argv[0], argv[1:]...)
	vm.Env = append(os.Environ(), "LC_ALL=C")
	if g.ProcessGroup {
		vm.Setpgid()
	}
	if g.Direct {
		vm.Stdin = os.Stdin
		vm.Stdout = os.Stdout
		vm.Stderr = os.Stderr
	} else {
		vm.Stdin = childStdin
		vm.Stdout = childStdout
		vm.Stderr = childStdout
	}

	if g.Verbose {
		g.timestamped("%s", av.String())
	}

	if err := vm.Start(); err != nil {
		g.closeChildEnds(childStdin, childStdout)
		g.cleanup()
		return launchErr(ErrFork, errors.Wrapf(err, "starting %s", g.HypervisorPath))
	}
	g.vmCmd = vm
	g.vmPid = vm.Pid()

	// The watchdog is not essential: a failure to spawn it only costs
	// us orphan protection.
	if g.RecoveryProc {
		if pid, err := g.spawnRecovery(g.vmPid); err != nil {
			plog.Warningf("failed to start recovery process: %v", err)
		} else {
			g.recoveryPid = pid
		}
	}

	g.closeChildEnds(childStdin, childStdout)

	g.state = StateLaunching

	conn, lerr := g.acceptAuthenticated(uint32(os.Geteuid()))
	if lerr != nil {
		g.cleanup()
		return lerr
	}
	g.conn = conn

	if err := g.listener.Close(); err != nil {
		g.cleanup()
		return launchErr(ErrSocketSetup, errors.Wrap(err, "closing listening socket"))
	}
	g.listener = nil

	size, _, err := g.recvFromDaemon()
	if err != nil {
		g.cleanup()
		return launchErr(ErrHandshake, err)
	}
	if size != launchFlag {
		g.cleanup()
		return launchErrf(ErrHandshake, "guest daemon sent 0x%x instead of the launch flag", size)
	}

	g.timestamped("appliance is up")

	// Possible in some really strange situations, such as the daemon
	// starting up and the hypervisor exiting immediately afterwards.
	if g.state != StateReady {
		g.cleanup()
		return launchErrf(ErrHandshake, "hypervisor launched and contacted the daemon, but state is %s", g.state)
	}

	if g.EnableQMP {
		g.connectQMP()
	}

	g.sendProgress(12)

	if hasApplianceDrive && g.DriveAdded != nil {
		g.DriveAdded(true)
	}
	return nil
}

// acceptAuthenticated accepts connections until one arrives from the
// given UID.  Connections from other local users are noted and
// dropped; retrying is unbounded, the overall launch deadline is the
// only limit.
func (g *Guest) acceptAuthenticated(euid uint32) (net.Conn, *LaunchError) {
	for {
		conn, err := g.acceptFromDaemon()
		if err != nil {
			return nil, launchErr(ErrSocketSetup, err)
		}
		uid, err := g.checkPeerEUID(conn)
		if err != nil {
			conn.Close()
			return nil, launchErr(ErrAuthentication, err)
		}
		if uid != euid {
			plog.Warningf("unexpected connection from UID %d to %s", uid, g.listener.Addr())
			conn.Close()
			continue
		}
		return conn, nil
	}
}

// checkPeerEUID resolves the effective UID owning the peer end of an
// accepted loopback connection.
func (g *Guest) checkPeerEUID(conn *net.TCPConn) (uint32, error) {
	if g.PeerLookup == nil {
		lookup, err := peercred.NewProcfsLookup()
		if err != nil {
			return 0, err
		}
		g.PeerLookup = lookup
	}
	return peercred.FromConn(g.PeerLookup, conn)
}

// closeChildEnds drops the child's pipe ends once they have been
// handed to the spawned process (or are no longer needed).
func (g *Guest) closeChildEnds(childStdin, childStdout *os.File) {
	if childStdin != nil {
		childStdin.Close()
	}
	if childStdout != nil {
		childStdout.Close()
	}
}

// cleanup is the common failure epilogue: kill and reap anything we
// spawned, close everything we opened, and return to CONFIG.  The
// parent ends of both stdio pipes are closed here.
func (g *Guest) cleanup() {
	if g.stdinPipe != nil {
		g.stdinPipe.Close()
		g.stdinPipe = nil
	}
	if g.stdoutPipe != nil {
		g.stdoutPipe.Close()
		g.stdoutPipe = nil
	}
	if g.vmPid > 0 {
		unix.Kill(g.vmPid, unix.SIGKILL)
	}
	if g.recoveryPid > 0 {
		unix.Kill(g.recoveryPid, unix.SIGKILL)
	}
	if g.vmCmd != nil {
		g.vmCmd.Wait()
		g.vmCmd = nil
	}
	if g.recoveryCmd != nil {
		g.recoveryCmd.Wait()
		g.recoveryCmd = nil
	}
	g.vmPid = 0
	g.recoveryPid = 0
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	if g.listener != nil {
		g.listener.Close()
		g.listener = nil
	}
	if g.tempdir != "" {
		os.RemoveAll(g.tempdir)
		g.tempdir = ""
	}
	g.qmpPath = ""
	g.launchStart = time.Time{}
	g.state = StateConfig
}

// buildArgv assembles the hypervisor command line.  Every capability
// consulted here was cached before the caller committed to spawning.
func (g *Guest) buildArgv(kernel, initrd, appliance, applianceDev string, port int, virtioSCSI bool) (*argv, error) {
	av := newArgv(g.HypervisorPath)

	// CVE-2011-4127 mitigation: disable SCSI ioctls on virtio-blk
	// devices.  -global accepts arbitrary strings, so there is no
	// per-feature check to do.
	if g.optSupported("-global") {
		av.Append("-global", "virtio-blk-pci.scsi=off")
	}

	if g.optSupported("-nodefconfig") {
		av.Append("-nodefconfig")
	}

	// -nodefaults gets rid of the implicit monitor that would
	// otherwise fight us for stdio.
	if g.optSupported("-nodefaults") {
		av.Append("-nodefaults")
	}

	av.Append("-nographic")

	if g.optSupported("-machine") {
		// -machine falls back through the acceleration modes by itself.
		av.Append("-machine", "accel=kvm:tcg")
	} else if g.optSupported("-enable-kvm") && isOpenable("/dev/kvm") {
		// Some binaries advertise -enable-kvm yet fail when hardware
		// virtualization is unavailable, so at least require the KVM
		// node to be openable by us.
		av.Append("-enable-kvm")
	}

	if g.SMP > 1 {
		av.Append("-smp", strconv.Itoa(g.SMP))
	}
	av.Append("-m", strconv.Itoa(g.MemsizeMiB))

	// Force exit instead of reboot on panic.
	av.Append("-no-reboot")

	// qemu-system-arm advertises -no-hpet but rejects it when used.
	if g.optSupported("-no-hpet") && runtime.GOARCH != "arm" {
		av.Append("-no-hpet")
	}

	if g.optSupported("-rtc-td-hack") {
		av.Append("-rtc-td-hack")
	}

	av.Append("-kernel", kernel)
	av.Append("-initrd", initrd)

	if virtioSCSI {
		av.Append("-device", "virtio-scsi-pci,id=scsi")
	}

	for i := range g.drives {
		drv := &g.drives[i]
		av.Append("-drive", driveParam(drv, virtioSCSI))
		if virtioSCSI && drv.Iface == "" {
			av.Append("-device", fmt.Sprintf("scsi-hd,drive=hd%d", i))
		}
	}

	// The appliance disk goes after all the user drives.
	if appliance != "" {
		cachemode := ""
		if g.optSupported("cache=") {
			if g.optSupported("unsafe") {
				cachemode = ",cache=unsafe"
			} else if g.optSupported("writeback") {
				cachemode = ",cache=writeback"
			}
		}
		iface := "virtio"
		if virtioSCSI {
			iface = "none"
		}
		av.Append("-drive", fmt.Sprintf("file=%s,snapshot=on,if=%s%s", escapeCommas(appliance), iface, cachemode))
		if virtioSCSI {
			av.Append("-device", "scsi-hd,drive=appliance")
		}
	}

	av.Append("-serial", "stdio")

	if g.EnableQMP {
		path, err := g.qmpSocketPath()
		if err != nil {
			return nil, err
		}
		av.Append("-chardev", fmt.Sprintf("socket,id=guestvm-qmp,path=%s,server=on,wait=off", path))
		av.Append("-mon", "chardev=guestvm-qmp,mode=control")
	}

	av.Append("-net", "user,vlan=0,net="+vmNetwork)
	av.Append("-net", "nic,model=virtio,vlan=0")

	vmchannel := fmt.Sprintf("guestfs_vmchannel=tcp:%s:%d", vmRouter, port)
	builder := g.Cmdline
	if builder == nil {
		builder = &defaultCmdline{verbose: g.Verbose}
	}
	av.Append("-append", builder.ApplianceCommandLine(applianceDev, vmchannel))

	// Custom parameters come last so -set and friends can modify
	// previously added options.
	if g.ExtraOptions != "" {
		if err := av.AppendShellUnquoted(g.ExtraOptions); err != nil {
			return nil, err
		}
	}
	for _, qp := range g.extraParams {
		av.Append(qp.flag)
		if qp.hasValue {
			av.Append(qp.value)
		}
	}

	return av, nil
}

// qmpSocketPath allocates the per-launch monitor socket path.
func (g *Guest) qmpSocketPath() (string, error) {
	if g.qmpPath != "" {
		return g.qmpPath, nil
	}
	if g.tempdir == "" {
		tempdir, err := os.MkdirTemp("/var/tmp", "guestvm")
		if err != nil {
			return "", errors.Wrap(err, "creating temporary directory")
		}
		g.tempdir = tempdir
	}
	g.qmpPath = filepath.Join(g.tempdir, fmt.Sprintf("qmp-%d.sock", time.Now().UnixNano()))
	return g.qmpPath, nil
}

// connectQMP attaches the monitor after the handshake.  Monitor
// trouble never fails a launch that already has a working daemon
// channel; shutdown just loses the graceful powerdown attempt.
func (g *Guest) connectQMP() {
	var mon *qmp.SocketMonitor
	err := util.Retry(30, 1*time.Second, func() error {
		var err error
		mon, err = qmp.NewSocketMonitor("unix", g.qmpPath, 2*time.Second)
		return err
	})
	if err == nil {
		err = mon.Connect()
	}
	if err != nil {
		plog.Warningf("failed to establish QMP connection: %v", err)
		return
	}
	g.qmpSock = mon
}

// isOpenable checks that a device node can be opened read/write.
func isOpenable(path string) bool {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		plog.Debugf("is_openable: %s: %v", path, err)
		return false
	}
	unix.Close(fd)
	return true
}
