//go:build linux

package ioring

import (
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

type KernelVersion struct {
	Major, Minor, Patch int
}

func (v KernelVersion) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Patch)
}

// AtLeast reports whether v is major.minor or newer.
func (v KernelVersion) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// parseRelease parses the leading numeric part of a uname release such as "6.8.0-45-generic".
func parseRelease(release string) KernelVersion {
	var parts [3]int
	fields := strings.SplitN(release, ".", 3)
	for i, field := range fields {
		end := 0
		for end < len(field) && field[end] >= '0' && field[end] <= '9' {
			end++
		}
		parts[i], _ = strconv.Atoi(field[:end])
		if end < len(field) {
			break
		}
	}
	return KernelVersion{Major: parts[0], Minor: parts[1], Patch: parts[2]}
}

// Capability describes io_uring support of the running kernel. It is
// computed once per process and never changes.
type Capability struct {
	kernel    KernelVersion
	supported bool
	probe     *Probe
	// err is the setup failure that made io_uring unavailable
	err error
}

func (c *Capability) Kernel() KernelVersion {
	return c.kernel
}

func (c *Capability) Supported() bool {
	return c.supported
}

// Probed reports whether the kernel answered IORING_REGISTER_PROBE (5.6+).
func (c *Capability) Probed() bool {
	return c.probe != nil
}

// OpSupported reports whether the kernel accepts op. Without a probe only
// IORING_OP_NOP is assumed.
func (c *Capability) OpSupported(op uint8) bool {
	if !c.supported {
		return false
	}
	if c.probe == nil {
		return op == IORING_OP_NOP
	}
	return c.probe.IsSupported(op)
}

// Err returns the reason io_uring is unsupported, if any.
func (c *Capability) Err() error {
	return c.err
}

var (
	capOnce sync.Once
	caps    *Capability
)

// Capabilities returns the cached capability table, probing the kernel on first use.
func Capabilities() *Capability {
	capOnce.Do(func() {
		caps = probeCapabilities()
	})
	return caps
}

// Supported reports whether io_uring can be used in this process.
func Supported() bool {
	return Capabilities().Supported()
}

func probeCapabilities() *Capability {
	c := &Capability{}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		c.kernel = parseRelease(unix.ByteSliceToString(uts.Release[:]))
	}

	var params Params
	fd, err := sysSetup(2, &params)
	if err != nil {
		c.err = err
		return c
	}
	defer sysClose(fd)
	c.supported = true

	probe := &Probe{}
	if register(fd, IORING_REGISTER_PROBE, unsafe.Pointer(probe), probeOpsSize) == nil {
		c.probe = probe
	}
	return c
}
