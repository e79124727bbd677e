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

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/coreos/guestvm/launcher"
)

var (
	cmdRun = &cobra.Command{
		RunE:  runRun,
		Use:   "run --kernel k --initrd i [--root img] --drive disk.img...",
		Short: "Boot the appliance and wait until it is shut down",

		SilenceUsage: true,
	}

	hypervisor  string
	kernelPath  string
	initrdPath  string
	rootPath    string
	driveSpecs  []string
	memoryMiB   int
	smp         int
	direct      bool
	noRecovery  bool
	pgroup      bool
	enableQMP   bool
	qemuOptions string
)

func init() {
	root.AddCommand(cmdRun)
	cmdRun.Flags().StringVar(&hypervisor, "hypervisor", "qemu-kvm", "hypervisor binary to run")
	cmdRun.Flags().StringVar(&kernelPath, "kernel", "", "appliance kernel")
	cmdRun.Flags().StringVar(&initrdPath, "initrd", "", "appliance initrd")
	cmdRun.Flags().StringVar(&rootPath, "root", "", "appliance root image (optional)")
	cmdRun.Flags().StringArrayVar(&driveSpecs, "drive", nil,
		"drive spec: path[:opt,...] with opts ro, cache-none, iface=X, format=X, label=X")
	cmdRun.Flags().IntVar(&memoryMiB, "memory", 768, "guest RAM in MiB")
	cmdRun.Flags().IntVar(&smp, "smp", 1, "guest vCPU count")
	cmdRun.Flags().BoolVar(&direct, "direct", false, "inherit stdio instead of piping it")
	cmdRun.Flags().BoolVar(&noRecovery, "no-recovery", false, "skip the recovery watchdog process")
	cmdRun.Flags().BoolVar(&pgroup, "pgroup", false, "run the VM in its own process group")
	cmdRun.Flags().BoolVar(&enableQMP, "qmp", false, "attach a QMP monitor for graceful shutdown")
	cmdRun.Flags().StringVar(&qemuOptions, "qemu-options", "", "extra hypervisor options (shell quoted)")
}

func runRun(cmd *cobra.Command, args []string) error {
	if len(driveSpecs) == 0 {
		return errors.New("at least one --drive is required")
	}

	g := launcher.New(hypervisor)
	g.MemsizeMiB = memoryMiB
	g.SMP = smp
	g.Verbose = logDebug || logVerbose
	g.Direct = direct
	g.RecoveryProc = !noRecovery
	g.ProcessGroup = pgroup
	g.EnableQMP = enableQMP
	g.ExtraOptions = qemuOptions
	g.Appliance = &launcher.FixedAppliance{
		Kernel: kernelPath,
		Initrd: initrdPath,
		Root:   rootPath,
	}
	g.Progress = func(perDozen int) {
		plog.Infof("launch progress %d/12", perDozen)
	}

	for _, spec := range driveSpecs {
		d, err := launcher.ParseDriveSpec(spec)
		if err != nil {
			return errors.Wrapf(err, "parsing drive spec %q", spec)
		}
		if err := g.AddDrive(*d); err != nil {
			return err
		}
	}

	if err := g.Launch(); err != nil {
		return err
	}
	pid, _ := g.Pid()
	fmt.Printf("appliance is up, hypervisor pid %d\n", pid)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	return g.Shutdown()
}
