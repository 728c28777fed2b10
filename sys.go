package sgdb

import (
	"os"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// IgnoreNoSync makes the NoSync flag a no-op on platforms where skipping
// fsync is known to corrupt files.
const IgnoreNoSync = runtime.GOOS == "openbsd"

// flock acquires an exclusive advisory lock on the database file.
func flock(db *DB) error {
	err := unix.Flock(int(db.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return nil
	} else if err == unix.EWOULDBLOCK || err == unix.EAGAIN { // linux & unix
		return ErrWriteByOther
	}
	return errors.Wrap(err, "flock failed: unknown error")
}

// waitflock retries flock until timeout. A zero timeout tries once.
func waitflock(db *DB, timeout time.Duration) error {
	start := time.Now()
	for {
		err := flock(db)
		if !errors.Is(err, ErrWriteByOther) {
			return err
		}
		if timeout <= 0 || time.Since(start) > timeout {
			return err
		}
		// Wait for a bit and try again.
		time.Sleep(50 * time.Millisecond)
	}
}

// funlock releases an advisory lock on a file descriptor.
func funlock(db *DB) error {
	return unix.Flock(int(db.file.Fd()), unix.LOCK_UN)
}

// syncDir flushes a directory entry after a rename.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrap(err, "sync dir")
	}
	return nil
}
