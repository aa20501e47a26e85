package engine

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// System holds facts about the local machine. They are seeded into the
// config tree under "system" and select default providers.
type System struct {
	OS              string   `json:"os" yaml:"os"`
	Arch            string   `json:"arch" yaml:"arch"`
	Platform        string   `json:"platform" yaml:"platform"`
	PlatformVersion string   `json:"platform_version" yaml:"platform_version"`
	PlatformLike    []string `json:"platform_like,omitempty" yaml:"platform_like,omitempty"`
	Kernel          string   `json:"kernel" yaml:"kernel"`
	Hostname        string   `json:"hostname" yaml:"hostname"`
	CPUCount        int      `json:"cpu_count" yaml:"cpu_count"`
	MemoryMB        int      `json:"memory_mb" yaml:"memory_mb"`
	Init            string   `json:"init" yaml:"init"`
}

// CollectSystem gathers facts from the running machine. Missing sources
// leave the corresponding fields empty.
func CollectSystem() System {
	sys := System{
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		CPUCount: runtime.NumCPU(),
	}
	if h, err := os.Hostname(); err == nil {
		sys.Hostname = h
	}

	if release, err := readKeyValues("/etc/os-release"); err == nil {
		sys.Platform = release["ID"]
		sys.PlatformVersion = release["VERSION_ID"]
		if like := release["ID_LIKE"]; like != "" {
			sys.PlatformLike = strings.Fields(like)
		}
	}

	if data, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		sys.Kernel = strings.TrimSpace(string(data))
	}

	if f, err := os.Open("/proc/meminfo"); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) >= 2 && fields[0] == "MemTotal:" {
				if kb, err := strconv.Atoi(fields[1]); err == nil {
					sys.MemoryMB = kb / 1024
				}
				break
			}
		}
		_ = f.Close()
	}

	sys.Init = "sysv"
	if _, err := os.Stat("/run/systemd/system"); err == nil {
		sys.Init = "systemd"
	}

	return sys
}

// Is reports whether the platform or one of its ancestors is name.
func (s System) Is(name string) bool {
	if s.Platform == name {
		return true
	}
	for _, like := range s.PlatformLike {
		if like == name {
			return true
		}
	}
	return false
}

// Map returns the facts as a config subtree.
func (s System) Map() map[string]any {
	like := make([]any, len(s.PlatformLike))
	for i, l := range s.PlatformLike {
		like[i] = l
	}
	return map[string]any{
		"os":               s.OS,
		"arch":             s.Arch,
		"platform":         s.Platform,
		"platform_version": s.PlatformVersion,
		"platform_like":    like,
		"kernel":           s.Kernel,
		"hostname":         s.Hostname,
		"cpu_count":        s.CPUCount,
		"memory_mb":        s.MemoryMB,
		"init":             s.Init,
	}
}

// readKeyValues parses a shell-style KEY=value file such as os-release.
func readKeyValues(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[k] = strings.Trim(v, `"'`)
	}
	return out, scanner.Err()
}
