package frame

import "time"

const (
	resyncThreshold = 15
	minFrameBytes   = 16
	assemblyTimeout = 2 * time.Second
)

// Assembler incrementally collects bytes from the bus into frames,
// reproducing the firmware's own tolerance for noise between and within
// messages: an early 0xC0 before enough bytes have accumulated restarts
// the frame rather than failing it, and a stalled partial frame expires
// after assemblyTimeout.
type Assembler struct {
	buf        []byte
	inFrame    bool
	lastByteAt time.Time
}

// NewAssembler returns a ready-to-use Assembler; the zero value also
// works, this just documents intent at call sites.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Feed processes one byte read off the wire at time `now`. It returns a
// raw, still-escaped frame (including its delimiters) whenever one
// completes; the caller should pass that to Unescape.
func (a *Assembler) Feed(b byte, now time.Time) (frame []byte, complete bool) {
	if a.inFrame && now.Sub(a.lastByteAt) > assemblyTimeout {
		a.reset()
	}

	if !a.inFrame {
		if b != delimiter {
			return nil, false
		}
		a.inFrame = true
		a.buf = append(a.buf[:0], b)
		a.lastByteAt = now
		return nil, false
	}

	if b == delimiter && len(a.buf) > 0 && len(a.buf) < resyncThreshold {
		// Garbage before a full frame arrived: treat this 0xC0 as the new opener.
		a.buf = append(a.buf[:0], b)
		a.lastByteAt = now
		return nil, false
	}

	a.buf = append(a.buf, b)
	a.lastByteAt = now
	if len(a.buf) >= minFrameBytes && b == delimiter {
		out := append([]byte(nil), a.buf...)
		a.reset()
		return out, true
	}
	return nil, false
}

func (a *Assembler) reset() {
	a.buf = a.buf[:0]
	a.inFrame = false
}
