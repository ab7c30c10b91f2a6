package workbook

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/IshaanNene/storecrawl/internal/types"
)

// unreadableLockGrace is how long a lock without a readable pid is assumed
// to belong to a writer that has not finished creating it.
const unreadableLockGrace = 10 * time.Second

// Lock is an exclusive lock file guarding one workbook across processes.
type Lock struct {
	path string
}

// LockPath returns the lock file path for a workbook.
func LockPath(excelPath string) string {
	return excelPath + ".lock"
}

// AcquireLock creates the lock file for excelPath. A lock held by a live
// process yields *types.WorkbookBusy; a lock left by a dead process is
// taken over with a warning.
func AcquireLock(excelPath string, logger *slog.Logger) (*Lock, error) {
	path := LockPath(excelPath)

	for attempt := 0; attempt < 2; attempt++ {
		err := createLock(path)
		if err == nil {
			return &Lock{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}

		pid, stale := inspectLock(path)
		if !stale {
			return nil, &types.WorkbookBusy{Path: excelPath, LockPath: path, PID: pid}
		}

		logger.Warn("taking over stale workbook lock", "lock", path, "pid", pid)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock %s: %w", path, err)
		}
	}
	return nil, &types.WorkbookBusy{Path: excelPath, LockPath: path}
}

func createLock(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if err := f.Close(); werr == nil {
		werr = err
	}
	if werr != nil {
		os.Remove(path)
		return werr
	}
	return nil
}

// inspectLock reads the owner pid and reports whether the lock is stale.
func inspectLock(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Vanished between create and read: retry creation.
		return 0, errors.Is(err, os.ErrNotExist)
	}

	first, _, _ := strings.Cut(string(data), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		info, statErr := os.Stat(path)
		if statErr != nil {
			return 0, true
		}
		return 0, time.Since(info.ModTime()) > unreadableLockGrace
	}

	alive, err := process.PidExists(int32(pid))
	if err != nil {
		return pid, false
	}
	return pid, !alive
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("release lock %s: %w", l.path, err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }
