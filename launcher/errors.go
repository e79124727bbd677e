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

import "github.com/pkg/errors"

// ErrorKind classifies which launch phase failed.
type ErrorKind int

const (
	// ErrPrecondition: Launch called with no drives or in the wrong state.
	ErrPrecondition ErrorKind = iota
	// ErrAppliancePrep: the appliance builder failed.
	ErrAppliancePrep
	// ErrCapabilityProbe: the hypervisor binary could not be probed.
	ErrCapabilityProbe
	// ErrSocketSetup: creating or configuring the rendezvous socket failed.
	ErrSocketSetup
	// ErrFork: spawning the hypervisor child failed.
	ErrFork
	// ErrAuthentication: the inbound connection could not be attributed
	// to a UID.
	ErrAuthentication
	// ErrHandshake: the daemon connected but did not complete the
	// launch handshake.
	ErrHandshake
	// ErrCommandLineParse: malformed quoting in extra option strings.
	ErrCommandLineParse
)

func (k ErrorKind) String() string {
	switch k {
	case ErrPrecondition:
		return "precondition violated"
	case ErrAppliancePrep:
		return "appliance preparation failed"
	case ErrCapabilityProbe:
		return "capability probe failed"
	case ErrSocketSetup:
		return "socket setup failed"
	case ErrFork:
		return "fork failed"
	case ErrAuthentication:
		return "authentication failed"
	case ErrHandshake:
		return "handshake failed"
	case ErrCommandLineParse:
		return "command line parse error"
	default:
		return "launch failed"
	}
}

// LaunchError is the single failure Launch returns after the cleanup
// epilogue has run.
type LaunchError struct {
	Kind ErrorKind
	Err  error
}

func (e *LaunchError) Error() string {
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

func launchErr(kind ErrorKind, err error) *LaunchError {
	return &LaunchError{Kind: kind, Err: err}
}

func launchErrf(kind ErrorKind, format string, args ...interface{}) *LaunchError {
	return &LaunchError{Kind: kind, Err: errors.Errorf(format, args...)}
}

// KindOf extracts the phase classification from a Launch failure.
func KindOf(err error) (ErrorKind, bool) {
	le, ok := err.(*LaunchError)
	if !ok {
		return 0, false
	}
	return le.Kind, true
}
