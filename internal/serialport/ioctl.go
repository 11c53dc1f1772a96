package serialport

import (
	ioctl "github.com/daedaluz/goioctl"
	"unsafe"
)

// Linux ioctl request numbers this package actually issues. Trimmed down
// from the full tty ioctl set to the ones the RS-485 link and the PTY
// test harness need.
var (
	tcgets = uintptr(0x5401)
	tcsets = uintptr(0x5402)

	tcgets2 = ioctl.IOR('T', 0x2A, unsafe.Sizeof(Termios2{}))
	tcsets2 = ioctl.IOW('T', 0x2B, unsafe.Sizeof(Termios2{}))

	tcsbrk = uintptr(0x5409)
	tcflsh = uintptr(0x540B)

	tiocgrs485 = uintptr(0x542E)
	tiocsrs485 = uintptr(0x542F)

	tiocswinsz = uintptr(0x5414)
	tiocgwinsz = uintptr(0x5413)

	tiocgptn   = ioctl.IOR('T', 0x30, unsafe.Sizeof(uint32(0)))
	tiocsptlck = ioctl.IOW('T', 0x31, unsafe.Sizeof(int32(0)))
)
