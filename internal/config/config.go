package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

// Config holds reactornetd runtime configuration.
type Config struct {
	// DataDir is the base directory for reactornet runtime data.
	DataDir string

	// BinDir is the directory containing reactornet binaries.
	BinDir string

	// SocketPath is the unix control socket path for the daemon.
	SocketPath string

	// BaseRootfsPath is the path to the base rootfs directory.
	BaseRootfsPath string

	// DefaultMemoryMB is the default VM memory in megabytes.
	DefaultMemoryMB int

	// DefaultVCPUs is the default number of virtual CPUs.
	DefaultVCPUs int

	// PauseAfterIdle is the duration after which an idle instance is paused (SIGSTOP).
	PauseAfterIdle time.Duration

	// StopAfterIdle is the duration after which a paused instance is stopped.
	StopAfterIdle time.Duration

	// NetworkBackend selects the data-plane networking mode.
	// "auto" (default): gvproxy on darwin, tap on linux.
	// "gvproxy": in-process gvisor-tap-vsock (compiled into vmm-worker).
	// "tsi": TSI unconditionally (known ~32KB outbound body limit).
	// "tap": the value "auto" resolves to on linux. The cloud-hypervisor
	// backend does not read this field: it always uses the vhost-user
	// reactor dataplane, with no tap device or NAT rules.
	NetworkBackend string

	// KernelPath is the path to the vmlinux kernel image (Linux only).
	KernelPath string

	// CloudHypervisorBin is the path to the cloud-hypervisor binary.
	// Empty means search PATH.
	CloudHypervisorBin string

	// VirtiofsdBin is the path to the virtiofsd binary.
	// Empty means search PATH.
	VirtiofsdBin string

	// SnapshotsDir is the directory for VM memory snapshots (Linux only).
	SnapshotsDir string

	// DataplanePoolSize is the number of buffer.BufferSize slots in the
	// shared hugepage-backed pool every reactor allocates packet
	// storage from (cloud-hypervisor backend only).
	DataplanePoolSize int

	// DataplaneSocketDir is where vhost-user UNIX control sockets are
	// created, one per reactor with a vhost-backed NIC.
	DataplaneSocketDir string

	// DataplaneDefaultMTU is the MTU advertised to guests by the
	// protocol synthesizers and the vhost-user virtio-net config space
	// when a VM's NicConfig does not set one explicitly.
	DataplaneDefaultMTU int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".reactornet")
	execDir := executableDir()

	// Platform-specific base rootfs path
	baseRootfs := filepath.Join(dataDir, "base-rootfs")
	if runtime.GOOS == "linux" {
		baseRootfs = filepath.Join(dataDir, "base-rootfs.ext4")
	}

	// Kernel path: prefer user-local, fall back to system package path
	kernelPath := filepath.Join(dataDir, "kernel", "vmlinux")
	if runtime.GOOS == "linux" {
		if _, err := os.Stat(kernelPath); err != nil {
			sysKernel := "/usr/share/reactornet/kernel/vmlinux"
			if _, err := os.Stat(sysKernel); err == nil {
				kernelPath = sysKernel
			}
		}
	}

	return &Config{
		DataDir:             filepath.Join(dataDir, "data"),
		BinDir:              execDir,
		SocketPath:          filepath.Join(dataDir, "reactornetd.sock"),
		BaseRootfsPath:      baseRootfs,
		DefaultMemoryMB:     512,
		DefaultVCPUs:        1,
		PauseAfterIdle:      60 * time.Second,
		StopAfterIdle:       5 * time.Minute,
		NetworkBackend:      "auto",
		KernelPath:          kernelPath,
		SnapshotsDir:        filepath.Join(dataDir, "data", "snapshots"),
		DataplanePoolSize:   4096,
		DataplaneSocketDir:  filepath.Join(dataDir, "data", "sockets"),
		DataplaneDefaultMTU: 1500,
	}
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.SocketPath),
		c.DataplaneSocketDir,
	}
	if runtime.GOOS == "linux" {
		dirs = append(dirs, filepath.Dir(c.KernelPath), c.SnapshotsDir)
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// ResolveNetworkBackend resolves "auto" to a concrete backend.
// On darwin (macOS), gvproxy is always available.
// On linux, "tap", which the cloud-hypervisor backend ignores (it
// always uses the vhost-user reactor dataplane, no iptables NAT).
func (c *Config) ResolveNetworkBackend() {
	switch c.NetworkBackend {
	case "gvproxy", "tsi", "tap":
		// Explicit choice — keep as-is
	default:
		// "auto" or unset
		switch runtime.GOOS {
		case "darwin":
			c.NetworkBackend = "gvproxy"
		case "linux":
			c.NetworkBackend = "tap"
		default:
			c.NetworkBackend = "tsi"
		}
	}
}

// ResolveBinaries eagerly resolves CloudHypervisorBin and VirtiofsdBin
// if they are empty. Called once at startup so the backend and doctor
// share the same discovery result.
func (c *Config) ResolveBinaries() {
	if runtime.GOOS != "linux" {
		return
	}
	if c.CloudHypervisorBin == "" {
		c.CloudHypervisorBin = FindBinary("cloud-hypervisor", c.BinDir)
	}
	if c.VirtiofsdBin == "" {
		c.VirtiofsdBin = FindBinary("virtiofsd", c.BinDir)
	}
}

// FindBinary locates a binary by name. Search order:
//  1. PATH (exec.LookPath)
//  2. Sibling directory of the running executable (BinDir)
//  3. Known system paths (/usr/libexec — Ubuntu puts virtiofsd here)
//
// Returns the absolute path, or "" if not found.
func FindBinary(name string, binDir string) string {
	// 1. PATH
	if p, err := exec.LookPath(name); err == nil {
		return p
	}

	// 2. Sibling of the running executable
	if binDir != "" {
		p := filepath.Join(binDir, name)
		if _, err := os.Stat(p); err == nil {
			abs, _ := filepath.Abs(p)
			return abs
		}
	}

	// 3. Known system paths
	for _, dir := range []string{"/usr/lib/reactornet", "/usr/libexec", "/usr/local/bin"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

// executableDir returns the directory containing the current executable.
func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
