//go:build linux

package system

import "golang.org/x/sys/unix"

// fillUname prefers the running kernel's own release and machine strings.
func fillUname(info *OSInfo) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return
	}
	if release := unix.ByteSliceToString(uts.Release[:]); release != "" {
		info.KernelVersion = release
	}
	if machine := unix.ByteSliceToString(uts.Machine[:]); machine != "" {
		info.Arch = machine
	}
	if info.Hostname == "" {
		info.Hostname = unix.ByteSliceToString(uts.Nodename[:])
	}
}
