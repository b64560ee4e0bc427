//go:build linux

package proc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// openPty opens a new pty master/slave pair via /dev/ptmx.
func openPty() (*os.File, *os.File, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}

	n, err := unix.IoctlGetInt(int(master.Fd()), unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, nil, err
	}

	// Unlock the slave side before opening it.
	if err := unix.IoctlSetPointerInt(int(master.Fd()), unix.TIOCSPTLCK, 0); err != nil {
		master.Close()
		return nil, nil, err
	}

	slave, err := os.OpenFile(fmt.Sprintf("/dev/pts/%d", n), os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		master.Close()
		return nil, nil, err
	}

	return master, slave, nil
}

// setWinsize sets the window size of the pty.
func setWinsize(fd uintptr, cols, rows uint16) error {
	ws := &unix.Winsize{
		Row: rows,
		Col: cols,
	}
	return unix.IoctlSetWinsize(int(fd), unix.TIOCSWINSZ, ws)
}

// termiosControlChars reads the terminal's INTR and EOF characters.
func termiosControlChars(fd uintptr) (intr, eof byte, err error) {
	tio, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	if err != nil {
		return 0, 0, err
	}
	return tio.Cc[unix.VINTR], tio.Cc[unix.VEOF], nil
}
