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

// inspired by github.com/docker/docker/pkg/reexec

package exec

import (
	"fmt"
	"os"
	"strings"
)

// prefix of the first argument when it names an entrypoint to run.
const entryArgPrefix = "_GUESTVM_ENTRYPOINT_"

var exePath string

func init() {
	// save the program path
	var err error
	exePath, err = os.Readlink("/proc/self/exe")
	if err != nil {
		panic("cannot get current executable")
	}
}

type entrypointFn func(args []string) error

var entrypoints = make(map[string]entrypointFn)

// Entrypoint names an alternate main this binary can be re-exec'd
// into.
type Entrypoint string

// NewEntrypoint registers fn under name.  Packages adding entrypoints
// should do so from package-level variable initialization so the
// registration exists before MaybeExec runs.
func NewEntrypoint(name string, fn entrypointFn) Entrypoint {
	if _, ok := entrypoints[name]; ok {
		panic(fmt.Errorf("entrypoint with name %q already exists", name))
	}
	entrypoints[name] = fn
	return Entrypoint(name)
}

// MaybeExec must be called near the start of main.  If the process was
// re-exec'd into a registered entrypoint, it runs that entrypoint and
// exits instead of returning: 0 on nil, 1 with the error on stderr
// otherwise.
func MaybeExec() {
	if len(os.Args) < 2 || !strings.HasPrefix(os.Args[1], entryArgPrefix) {
		return
	}
	name := strings.TrimPrefix(os.Args[1], entryArgPrefix)
	fn, ok := entrypoints[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown entrypoint %q\n", name)
		os.Exit(1)
	}
	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Command prepares an *ExecCmd re-executing this binary into the
// entrypoint.  The child gets no descriptors beyond the std trio,
// which default to /dev/null, and no death signal: entrypoint
// processes may need to outlive their parent.
func (e Entrypoint) Command(args ...string) *ExecCmd {
	args = append([]string{entryArgPrefix + string(e)}, args...)
	return Command(exePath, args...)
}
