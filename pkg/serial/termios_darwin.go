//go:build darwin

package serial

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TIOCGETA
	ioctlSetTermios = unix.TIOCSETA
	ioctlTCFlush    = unix.TIOCFLUSH
)

// Darwin keeps the speeds as 64-bit fields.
func setSpeed(t *unix.Termios, speed uint32) {
	t.Ispeed, t.Ospeed = uint64(speed), uint64(speed)
}
