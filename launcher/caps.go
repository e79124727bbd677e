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
	"regexp"
	"strconv"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/pkg/errors"

	"github.com/coreos/guestvm/system/exec"
)

// Hypervisor command line grammars are unstable across versions, so
// feature queries grep the help and device listings of the specific
// binary rather than trusting the version.  The regexp is compiled once
// at load; Go regexps are safe for concurrent use.
var reMajorMinor = regexp.MustCompile(`(\d+)\.(\d+)`)

type virtioSCSIState int

const (
	scsiUntested virtioSCSIState = iota
	scsiSupported
	scsiUnsupported
	scsiProbeFailed
)

// capabilityCache holds the probe results for one hypervisor binary.
// It is populated atomically by testHypervisor and cleared on shutdown
// so no stale claims survive a binary change.
type capabilityCache struct {
	probed      bool
	helpText    string
	versionText string
	deviceText  string
	deviceErr   error
	version     semver.Version
	virtioSCSI  virtioSCSIState
}

// proberFunc runs the hypervisor with the given arguments and returns
// its combined output.
type proberFunc func(args ...string) (string, error)

func (g *Guest) runHypervisor(args ...string) (string, error) {
	out, err := exec.Command(g.HypervisorPath, args...).CombinedOutput()
	return string(out), err
}

// testHypervisor runs the binary to collect the help, version and
// device listings.  Only the help probe is allowed to fail the caller;
// version and device output are best effort and may be empty.
func (g *Guest) testHypervisor() error {
	prober := g.prober
	if prober == nil {
		prober = g.runHypervisor
	}

	help, err := prober("-nographic", "-help")
	if err != nil {
		return errors.Wrapf(err, "running %s -nographic -help", g.HypervisorPath)
	}

	version, err := prober("-version")
	if err != nil {
		plog.Debugf("%s -version: %v", g.HypervisorPath, err)
		version = ""
	}

	// Old binaries list devices on stderr and exit non-zero; keep
	// whatever they printed and only treat an empty result as a
	// failed device probe.
	devices, devErr := prober("-device", "?")
	if devErr != nil {
		plog.Debugf("%s -device ?: %v", g.HypervisorPath, devErr)
		if devices != "" {
			devErr = nil
		}
	}

	caps := capabilityCache{
		probed:      true,
		helpText:    help,
		versionText: version,
		deviceText:  devices,
		deviceErr:   devErr,
		virtioSCSI:  g.caps.virtioSCSI,
	}
	caps.version = parseHypervisorVersion(version)
	g.caps = caps
	return nil
}

// parseHypervisorVersion extracts the first major.minor token.  Parse
// failures are not fatal and leave the version at 0.0.
func parseHypervisorVersion(text string) semver.Version {
	m := reMajorMinor.FindStringSubmatch(text)
	if m == nil {
		plog.Debugf("failed to parse hypervisor version string %q", text)
		return semver.Version{}
	}
	major, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		plog.Debugf("failed to parse hypervisor version string %q", text)
		return semver.Version{}
	}
	minor, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		plog.Debugf("failed to parse hypervisor version string %q", text)
		return semver.Version{}
	}
	v := semver.Version{Major: major, Minor: minor}
	plog.Debugf("hypervisor version %d.%d", major, minor)
	return v
}

// supportsOption reports whether the help text mentions opt.  The
// first call runs the binary; with an empty opt it only performs that
// first-time probe.
func (g *Guest) supportsOption(opt string) (bool, error) {
	if !g.caps.probed {
		if err := g.testHypervisor(); err != nil {
			return false, err
		}
	}
	if opt == "" {
		return true, nil
	}
	return strings.Contains(g.caps.helpText, opt), nil
}

// optSupported is supportsOption for use after the initial probe has
// succeeded, where a probe error can no longer occur.
func (g *Guest) optSupported(opt string) bool {
	ok, err := g.supportsOption(opt)
	if err != nil {
		return false
	}
	return ok
}

// supportsDevice reports whether the device listing mentions name.
func (g *Guest) supportsDevice(name string) (bool, error) {
	if !g.caps.probed {
		if err := g.testHypervisor(); err != nil {
			return false, err
		}
	}
	if g.caps.deviceErr != nil {
		return false, g.caps.deviceErr
	}
	return strings.Contains(g.caps.deviceText, name), nil
}

// oldOrBrokenVirtioSCSI: 1.1 claims to support virtio-scsi but in
// reality it's broken.
func (c *capabilityCache) oldOrBrokenVirtioSCSI() bool {
	return c.version.Major == 1 && c.version.Minor < 2
}

// useVirtioSCSI decides the disk bus: true selects virtio-scsi, false
// virtio-blk.  The decision is sticky for the life of the handle; a
// failed device probe falls back to virtio-blk.
func (g *Guest) useVirtioSCSI() bool {
	if !g.caps.probed {
		if err := g.testHypervisor(); err != nil {
			return false
		}
	}
	if g.caps.virtioSCSI == scsiUntested {
		if g.caps.oldOrBrokenVirtioSCSI() {
			g.caps.virtioSCSI = scsiUnsupported
		} else if ok, err := g.supportsDevice("virtio-scsi-pci"); err != nil {
			g.caps.virtioSCSI = scsiProbeFailed
		} else if ok {
			g.caps.virtioSCSI = scsiSupported
		} else {
			g.caps.virtioSCSI = scsiUnsupported
		}
	}
	return g.caps.virtioSCSI == scsiSupported
}
