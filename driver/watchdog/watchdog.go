// Driver for the Linux watchdog device. The disciplining loop pets it every
// iteration; if the loop stalls, the system resets and reacquires on its own.
package watchdog

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type Timer struct {
	log *zap.Logger
	fd  int
}

func Open(log *zap.Logger, name string) (*Timer, error) {
	fd, err := unix.Open(name, unix.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("watchdog: opening %s: %w", name, err)
	}
	log.Info("watchdog armed", zap.String("device", name))
	return &Timer{log: log, fd: fd}, nil
}

func (t *Timer) Pet() error {
	return unix.IoctlWatchdogKeepalive(t.fd)
}

// Close disarms the watchdog with the magic-close byte, so a clean shutdown
// does not reboot the machine.
func (t *Timer) Close() error {
	if _, err := unix.Write(t.fd, []byte{'V'}); err != nil {
		unix.Close(t.fd)
		return fmt.Errorf("watchdog: magic close: %w", err)
	}
	return unix.Close(t.fd)
}
