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

package exec

import (
	"strings"
	"testing"
)

func TestWaitIsIdempotent(t *testing.T) {
	cmd := Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Wait(); err != nil {
		t.Errorf("second wait: %v", err)
	}
}

func TestKillRunningProcess(t *testing.T) {
	cmd := Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Kill(); err != nil {
		t.Errorf("kill: %v", err)
	}
	if !cmd.Signaled() {
		t.Error("killed process should report as signaled")
	}
}

func TestKillFinishedProcess(t *testing.T) {
	cmd := Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Kill(); err != nil {
		t.Errorf("killing a finished process: %v", err)
	}
}

func TestEntrypointCommand(t *testing.T) {
	e := NewEntrypoint("test-noop", func(args []string) error { return nil })
	cmd := e.Command("one", "two")
	if len(cmd.Args) != 4 {
		t.Fatalf("args %q", cmd.Args)
	}
	if !strings.HasPrefix(cmd.Args[1], entryArgPrefix) || !strings.HasSuffix(cmd.Args[1], "test-noop") {
		t.Errorf("entry argument %q", cmd.Args[1])
	}
	if cmd.Args[2] != "one" || cmd.Args[3] != "two" {
		t.Errorf("entry arguments %q", cmd.Args[2:])
	}
}

func TestEntrypointDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("duplicate registration should panic")
		}
	}()
	NewEntrypoint("test-dup", func(args []string) error { return nil })
	NewEntrypoint("test-dup", func(args []string) error { return nil })
}
