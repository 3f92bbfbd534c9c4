//go:build linux

package serial

import "golang.org/x/sys/unix"

const (
	reqGetTermios = unix.TCGETS
	reqSetTermios = unix.TCSETS
	reqFlush      = unix.TCFLSH
)

func applySpeed(t *unix.Termios, speed uint32) {
	t.Cflag &^= unix.CBAUD
	t.Cflag |= speed
	t.Ispeed = speed
	t.Ospeed = speed
}
