package serialport

import (
	"strconv"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

type Winsize struct {
	Row    uint16
	Col    uint16
	Xpixel uint16
	Ypixel uint16
}

// SetLockPT clears (or sets) the pty lock that ptmx applies by default;
// the slave side can't be opened until this is cleared.
func (p *Port) SetLockPT(locked bool) error {
	var v int32
	if locked {
		v = 1
	}
	return ioctl.Ioctl(uintptr(p.f), tiocsptlck, uintptr(unsafe.Pointer(&v)))
}

// GetPTPeer opens the slave end of the pty this master end refers to,
// the way glibc's ptsname()+open() does: read the pty number off the
// master fd and open the well-known /dev/pts/N path.
func (p *Port) GetPTPeer(flags int) (*Port, error) {
	var n uint32
	if err := ioctl.Ioctl(uintptr(p.f), tiocgptn, uintptr(unsafe.Pointer(&n))); err != nil {
		return nil, wrapErr("get pty number", err)
	}
	opts := NewOptions()
	opts.OpenMode |= flags
	return Open("/dev/pts/"+strconv.Itoa(int(n)), opts)
}

func (p *Port) SetWinSize(w *Winsize) error {
	return ioctl.Ioctl(uintptr(p.f), tiocswinsz, uintptr(unsafe.Pointer(w)))
}

func (p *Port) GetWinSize() (*Winsize, error) {
	w := &Winsize{}
	if err := ioctl.Ioctl(uintptr(p.f), tiocgwinsz, uintptr(unsafe.Pointer(w))); err != nil {
		return nil, err
	}
	return w, nil
}

// OpenPTY opens a pseudoterminal pair. Used by this package's tests to
// exercise Port over a loopback pair without a real RS-485 adapter.
func OpenPTY(termp *Termios, winp *Winsize) (*Port, *Port, error) {
	master, err := Open("/dev/ptmx", nil)
	if err != nil {
		return nil, nil, err
	}
	if err := master.SetLockPT(false); err != nil {
		master.Close()
		return nil, nil, err
	}
	slave, err := master.GetPTPeer(0)
	if err != nil {
		master.Close()
		return nil, nil, err
	}
	if termp != nil {
		if err := slave.SetAttr(TCSANOW, termp); err != nil {
			master.Close()
			slave.Close()
			return nil, nil, err
		}
	}
	if winp != nil {
		if err := slave.SetWinSize(winp); err != nil {
			master.Close()
			slave.Close()
			return nil, nil, err
		}
	}
	return master, slave, nil
}
