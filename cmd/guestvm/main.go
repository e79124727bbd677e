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
	"os"

	"github.com/coreos/pkg/capnslog"
	"github.com/spf13/cobra"

	"github.com/coreos/guestvm/system/exec"
)

var (
	root = &cobra.Command{
		Use:          "guestvm",
		Short:        "guestvm boots a guest appliance and talks to its daemon",
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number and exit.",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("guestvm version %s\n", version)
		},
	}

	logDebug   bool
	logVerbose bool

	plog = capnslog.NewPackageLogger("github.com/coreos/guestvm", "main")
)

const version = "0.1.0"

func main() {
	// If we were re-exec'd into an entrypoint (the recovery watchdog),
	// run it instead of the CLI.
	exec.MaybeExec()

	root.AddCommand(versionCmd)
	root.PersistentFlags().BoolVarP(&logVerbose, "verbose", "v", false,
		"log at INFO level")
	root.PersistentFlags().BoolVarP(&logDebug, "debug", "d", false,
		"log at DEBUG level")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		startLogging(cmd)
	}

	if err := root.Execute(); err != nil {
		plog.Fatal(err)
	}
	os.Exit(0)
}

func startLogging(cmd *cobra.Command) {
	level := capnslog.NOTICE
	switch {
	case logDebug:
		level = capnslog.DEBUG
	case logVerbose:
		level = capnslog.INFO
	}
	capnslog.SetFormatter(capnslog.NewStringFormatter(cmd.OutOrStderr()))
	capnslog.SetGlobalLogLevel(level)
}
