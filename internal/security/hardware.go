package security

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Fingerprinter reports the raw hardware identity of the current host.
// The returned string is hashed before use, so it may contain anything
// stable across restarts of the same machine.
type Fingerprinter interface {
	Fingerprint() string
}

// HardwareID returns the hex SHA-256 of fp's fingerprint.
func HardwareID(fp Fingerprinter) string {
	return hashHex([]byte(fp.Fingerprint()))
}

// StaticFingerprinter returns a fixed identity.
type StaticFingerprinter string

// Fingerprint implements Fingerprinter.
func (s StaticFingerprinter) Fingerprint() string {
	return string(s)
}

// SystemFingerprinter probes processor, board and disk identifiers.
// When none of them can be read it falls back to host name, architecture
// and user id.
type SystemFingerprinter struct {
	// Root is prepended to every probed path. Empty means "/".
	Root string
}

// Fingerprint implements Fingerprinter.
func (f SystemFingerprinter) Fingerprint() string {
	var components []string
	if runtime.GOOS == "windows" {
		components = windowsComponents()
	} else {
		components = f.linuxComponents()
	}

	components = nonEmpty(components)
	if len(components) == 0 {
		components = fallbackComponents()
	}
	return strings.Join(components, "|")
}

func (f SystemFingerprinter) path(p string) string {
	if f.Root == "" {
		return p
	}
	return filepath.Join(f.Root, p)
}

func (f SystemFingerprinter) linuxComponents() []string {
	board := readTrimmed(f.path("/sys/class/dmi/id/board_serial"))
	if board == "" {
		board = readTrimmed(f.path("/etc/machine-id"))
	}
	return []string{f.processorID(), board, f.firstDiskSerial()}
}

// processorID prefers a hardware serial and falls back to the model name.
func (f SystemFingerprinter) processorID() string {
	file, err := os.Open(f.path("/proc/cpuinfo"))
	if err != nil {
		return ""
	}
	defer file.Close()

	var model string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "Serial":
			if value != "" {
				return value
			}
		case "model name":
			if model == "" {
				model = value
			}
		}
	}
	return model
}

func (f SystemFingerprinter) firstDiskSerial() string {
	matches, err := filepath.Glob(f.path("/sys/block/*/device/serial"))
	if err != nil {
		return ""
	}
	sort.Strings(matches)
	for _, m := range matches {
		if s := readTrimmed(m); s != "" {
			return s
		}
	}
	return ""
}

func windowsComponents() []string {
	return []string{
		wmic("cpu", "ProcessorId"),
		wmic("baseboard", "SerialNumber"),
		wmic("diskdrive", "SerialNumber"),
	}
}

// wmic returns the first value row of a wmic query.
func wmic(class, field string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "wmic", class, "get", field).Output()
	if err != nil {
		return ""
	}
	lines := strings.Split(string(out), "\n")
	for _, line := range lines[1:] {
		if v := strings.TrimSpace(line); v != "" {
			return v
		}
	}
	return ""
}

func fallbackComponents() []string {
	host, _ := os.Hostname()
	return nonEmpty([]string{host, runtime.GOARCH, strconv.Itoa(os.Getuid())})
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func nonEmpty(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
