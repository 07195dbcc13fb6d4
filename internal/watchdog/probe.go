package watchdog

import (
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// prober answers the individual questions a health check asks. Split
// out so tests can script check outcomes.
type prober interface {
	portInUse(port int) bool
	processMatches(pattern string) bool
	pathAccessible(path string) bool
	storeAccessible(path string) bool
}

type systemProber struct {
	dialTimeout time.Duration
}

func newSystemProber() *systemProber {
	return &systemProber{dialTimeout: 2 * time.Second}
}

func (p *systemProber) portInUse(port int) bool {
	if port <= 0 {
		return false
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), p.dialTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// processMatches scans running processes for a command line containing
// pattern. Processes we cannot inspect are skipped.
func (p *systemProber) processMatches(pattern string) bool {
	if strings.TrimSpace(pattern) == "" {
		return false
	}
	procs, err := process.Processes()
	if err != nil {
		return false
	}
	for _, pr := range procs {
		cmdline, err := pr.Cmdline()
		if err != nil {
			continue
		}
		if strings.Contains(cmdline, pattern) {
			return true
		}
	}
	return false
}

// storeAccessible reports whether a data file is usable: an existing
// file must open read-write, while a file that has not been created yet
// only needs its parent directory in place.
func (p *systemProber) storeAccessible(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err == nil {
		_ = f.Close()
		return true
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false
	}
	info, err := os.Stat(filepath.Dir(path))
	return err == nil && info.IsDir()
}

func (p *systemProber) pathAccessible(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.IsDir() {
		f, err := os.Open(path)
		if err != nil {
			return false
		}
		_ = f.Close()
	}
	return true
}
