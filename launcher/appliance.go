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
	"strings"

	"github.com/pkg/errors"
)

// ApplianceBuilder locates or builds the guest appliance.  The root
// image path may be empty when the appliance boots entirely from the
// initrd.
type ApplianceBuilder interface {
	BuildAppliance() (kernel, initrd, root string, err error)
}

// FixedAppliance serves pre-built appliance files from fixed paths.
type FixedAppliance struct {
	Kernel string
	Initrd string
	Root   string
}

func (f *FixedAppliance) BuildAppliance() (string, string, string, error) {
	for _, p := range []string{f.Kernel, f.Initrd} {
		if p == "" {
			return "", "", "", errors.New("appliance kernel and initrd paths must be set")
		}
		if _, err := os.Stat(p); err != nil {
			return "", "", "", errors.Wrapf(err, "appliance file %s", p)
		}
	}
	if f.Root != "" {
		if _, err := os.Stat(f.Root); err != nil {
			return "", "", "", errors.Wrapf(err, "appliance root image %s", f.Root)
		}
	}
	return f.Kernel, f.Initrd, f.Root, nil
}

// CommandLineBuilder produces the guest kernel command line.
// applianceDev is the computed device path of the appliance disk, or
// empty when there is none; vmchannel is the daemon's dial-back
// directive and must appear verbatim.
type CommandLineBuilder interface {
	ApplianceCommandLine(applianceDev, vmchannel string) string
}

// defaultCmdline is the stock appliance kernel command line.
type defaultCmdline struct {
	verbose bool
}

func (c *defaultCmdline) ApplianceCommandLine(applianceDev, vmchannel string) string {
	args := []string{
		"panic=1",
		"console=ttyS0",
		"udevtimeout=600",
		"no_timer_check",
		"acpi=off",
		"printk.time=1",
		"cgroup_disable=memory",
		"selinux=0",
	}
	if applianceDev != "" {
		args = append(args, "root="+applianceDev)
	}
	if c.verbose {
		args = append(args, "guestfs_verbose=1")
	}
	args = append(args, vmchannel)
	return strings.Join(args, " ")
}
