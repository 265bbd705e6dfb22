package relay

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"syscall"
	"time"

	logx "github.com/neo-rs/mwbots/pkg/logx"
)

// ErrAlreadyRunning means another live relay process holds the lock.
var ErrAlreadyRunning = errors.New("another relay instance is running")

var lockPIDRe = regexp.MustCompile(`pid=(\d+)`)

// Lock is a single-instance file lock. Two relays on the same
// channel map would double-post every message.
type Lock struct {
	path string
}

// AcquireLock takes the lock atomically. A lock left by a dead process
// is removed and retried once.
func AcquireLock(path string, log logx.Logger) (*Lock, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "pid=%d\nstart=%d\n", os.Getpid(), time.Now().Unix())
			f.Close()
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("acquire lock %s: %w", path, err)
		}
		pid, ok := readLockPID(path)
		if ok && pidRunning(pid) {
			return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrAlreadyRunning, pid, path)
		}
		if attempt == 0 {
			log.Warn("removing stale relay lock", logx.String("path", path), logx.Int("pid", pid))
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("remove stale lock %s: %w", path, err)
			}
		}
	}
	return nil, ErrAlreadyRunning
}

// Release drops the lock. Safe to call more than once.
func (l *Lock) Release() {
	if l == nil || l.path == "" {
		return
	}
	_ = os.Remove(l.path)
	l.path = ""
}

func readLockPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	m := lockPIDRe.FindSubmatch(data)
	if m == nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(m[1]))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func pidRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
