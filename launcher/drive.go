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

	"github.com/pkg/errors"
)

// ParseDriveSpec converts a drive specification into a Drive.  The
// format is: <path>[:<opt1>,<opt2>,...] with options "ro",
// "cache-none", "iface=X", "format=X" and "label=X".
func ParseDriveSpec(spec string) (*Drive, error) {
	split := strings.SplitN(spec, ":", 2)
	d := &Drive{Path: split[0]}
	if d.Path == "" {
		return nil, errors.Errorf("invalid drive spec %s", spec)
	}
	if len(split) == 1 {
		return d, nil
	}
	for _, opt := range strings.Split(split[1], ",") {
		switch {
		case opt == "ro":
			d.Readonly = true
		case opt == "cache-none":
			d.UseCacheNone = true
		case strings.HasPrefix(opt, "iface="):
			d.Iface = strings.TrimPrefix(opt, "iface=")
		case strings.HasPrefix(opt, "format="):
			d.Format = strings.TrimPrefix(opt, "format=")
		case strings.HasPrefix(opt, "label="):
			d.DiskLabel = strings.TrimPrefix(opt, "label=")
		default:
			return nil, errors.Errorf("unknown drive option %s", opt)
		}
	}
	return d, nil
}

// driveParam formats the -drive parameter for one drive.  Commas in
// the path are doubled, which is how the hypervisor option parser
// escapes them.  Under virtio-scsi a drive without an explicit iface
// gets if=none; the bus is attached via a separate -device argument.
func driveParam(d *Drive, virtioSCSI bool) string {
	var b strings.Builder
	b.WriteString("file=")
	b.WriteString(escapeCommas(d.Path))
	if d.Readonly {
		b.WriteString(",snapshot=on")
	}
	if d.UseCacheNone {
		b.WriteString(",cache=none")
	}
	if d.Format != "" {
		b.WriteString(",format=")
		b.WriteString(d.Format)
	}
	if d.DiskLabel != "" {
		b.WriteString(",serial=")
		b.WriteString(d.DiskLabel)
	}
	b.WriteString(",if=")
	switch {
	case d.Iface != "":
		b.WriteString(d.Iface)
	case virtioSCSI:
		b.WriteString("none")
	default:
		b.WriteString("virtio")
	}
	return b.String()
}

func escapeCommas(s string) string {
	return strings.Replace(s, ",", ",,", -1)
}

// applianceDeviceName computes the guest device path of the appliance
// disk.  Counting drives by total would break when some use the legacy
// iface parameter, so only drives sharing the appliance's bus count:
// under virtio-scsi those with iface unset or "ide", under virtio-blk
// those with iface unset or anything but "virtio".
func applianceDeviceName(drives []Drive, virtioSCSI bool) string {
	index := 0
	for i := range drives {
		iface := drives[i].Iface
		if virtioSCSI {
			if iface == "" || iface == "ide" {
				index++
			}
		} else {
			if iface == "" || iface != "virtio" {
				index++
			}
		}
	}
	prefix := "/dev/vd"
	if virtioSCSI {
		prefix = "/dev/sd"
	}
	return prefix + driveName(index)
}

// driveName maps a drive index to its letter suffix: 0 is "a", 25 is
// "z", 26 is "aa" and so on.
func driveName(index int) string {
	var buf []byte
	for {
		buf = append([]byte{byte('a' + index%26)}, buf...)
		index = index/26 - 1
		if index < 0 {
			break
		}
	}
	return string(buf)
}
