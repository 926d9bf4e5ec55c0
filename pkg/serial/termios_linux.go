//go:build linux

package serial

import "golang.org/x/sys/unix"

const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
	ioctlTCFlush    = unix.TCFLSH
)

func setSpeed(t *unix.Termios, speed uint32) {
	t.Ispeed, t.Ospeed = speed, speed
}
