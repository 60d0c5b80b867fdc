// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package presenter

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// DefaultConfigPaths is the ordered list of routing configuration files.
// The first file containing a match for the process name wins.
var DefaultConfigPaths = []string{
	"/etc/gogpu/present-routing.conf",
	"/usr/share/gogpu/present-routing.conf",
}

// Environment variables consulted by the router.
const (
	// EnvNoBypass disables the compositor-bypass backend globally when
	// set to any non-empty value.
	EnvNoBypass = "PRESENT_NO_BYPASS"

	// envDriverOverride names an active driver-translation layer.
	envDriverOverride = "MESA_LOADER_DRIVER_OVERRIDE"

	// translationDriver is the translation-layer driver the heuristic
	// looks for; GL-on-Vulkan apps flicker on the protocol path and
	// prefer bypass.
	translationDriver = "zink"

	// translationModule is the loaded-module name that identifies the
	// translation layer when the env marker is absent.
	translationModule = "zink_dri.so"
)

// processName reads the short process name from /proc/self/comm.
func processName() string {
	b, err := os.ReadFile("/proc/self/comm")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// lookupOverride scans the config path list for an entry matching proc.
// Config lines are "process_name presenter" with presenter one of shm,
// dri3 or bypass; '#'-prefixed and blank lines are skipped. The first
// match across the ordered path list wins.
func lookupOverride(paths []string, proc string) (Kind, bool) {
	if proc == "" {
		return KindUnset, false
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		kind, ok := parseRouting(f, proc)
		f.Close()
		if ok {
			return kind, true
		}
	}
	return KindUnset, false
}

// parseRouting scans one routing config for the first entry matching
// proc. Malformed lines and unknown presenter names are skipped.
func parseRouting(r io.Reader, proc string) (Kind, bool) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != proc {
			continue
		}
		if kind, ok := KindFromString(fields[1]); ok {
			return kind, true
		}
	}
	return KindUnset, false
}

// detectTranslationLayer reports whether the process runs a GL
// translation layer: either the driver-override env variable names it,
// or its DRI module shows up in the process's loaded-module list.
func detectTranslationLayer(getenv func(string) string, modulesPath string) bool {
	if getenv(envDriverOverride) == translationDriver {
		return true
	}
	f, err := os.Open(modulesPath)
	if err != nil {
		return false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.Contains(sc.Text(), translationModule) {
			return true
		}
	}
	return false
}
