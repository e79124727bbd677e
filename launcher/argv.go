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
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
)

// argv accumulates the hypervisor command line.  It is built immediately
// before the child is spawned, from decisions already committed, and is
// never shared after the spawn.
type argv struct {
	args []string
}

func newArgv(binary string) *argv {
	return &argv{args: []string{binary}}
}

// Append adds tokens verbatim.
func (a *argv) Append(args ...string) {
	a.args = append(a.args, args...)
}

// AppendShellUnquoted splits options into tokens, honoring single- and
// double-quoted runs, and appends them.  The unquoting is deliberately
// simple: a token either starts with a quote and runs to the matching
// quote, or runs to the next space.  A closing quote must be followed
// by a space or the end of the string.
func (a *argv) AppendShellUnquoted(options string) error {
	tokens, err := splitShellUnquoted(options)
	if err != nil {
		return err
	}
	a.args = append(a.args, tokens...)
	return nil
}

// Slice returns the finished vector, suitable for exec.
func (a *argv) Slice() []string {
	return a.args
}

// String renders the command line for the verbose echo, quoting tokens
// that need it and breaking before each -option.
func (a *argv) String() string {
	var b strings.Builder
	for i, arg := range a.args {
		if strings.HasPrefix(arg, "-") {
			b.WriteString(" \\\n   ")
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(shellquote.Join(arg))
	}
	return b.String()
}

func splitShellUnquoted(options string) ([]string, error) {
	var tokens []string
	for len(options) > 0 {
		quote := options[0]
		var start int
		if quote == '\'' || quote == '"' {
			start = 1
		} else {
			quote = ' '
			start = 0
		}

		end := strings.IndexByte(options[start:], quote)
		if end == -1 {
			if quote != ' ' {
				return nil, errors.Errorf("unclosed quote character (%c) in command line near: %s", quote, options)
			}
			end = len(options) - start
		}
		end += start

		var next int
		if quote == ' ' {
			if end == len(options) {
				next = end
			} else {
				next = end + 1
			}
		} else {
			switch {
			case end+1 == len(options):
				next = end + 1
			case options[end+1] == ' ':
				next = end + 2
			default:
				return nil, errors.Errorf("cannot parse quoted string near: %s", options)
			}
		}
		for next < len(options) && options[next] == ' ' {
			next++
		}

		tokens = append(tokens, options[start:end])
		options = options[next:]
	}
	return tokens, nil
}
