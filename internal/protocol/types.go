// Package protocol maps framed TWC payloads to typed messages and back:
// TWCID/Sign identity, the V1/V2 protocol-version split, and the opcode
// table from the link-ready/heartbeat exchange.
package protocol

import "fmt"

// TWCID is the 2-byte identifier a TWC advertises on the bus.
type TWCID [2]byte

func (id TWCID) String() string {
	return fmt.Sprintf("%02X%02X", id[0], id[1])
}

// Sign is the 1-byte tag a TWC attaches to link-ready/heartbeat frames.
// It rides along for logging; it plays no part in routing.
type Sign byte

// Version is the heartbeat dialect a slave speaks, fixed at registration
// from the length of its first link-ready frame.
type Version int

const (
	V1 Version = iota + 1
	V2
)

func (v Version) String() string {
	if v == V2 {
		return "V2"
	}
	return "V1"
}

// MinAmpsSupported is the protocol floor below which a slave can't be
// asked to hold a current limit.
func (v Version) MinAmpsSupported() float64 {
	if v == V2 {
		return 6
	}
	return 5
}

// HeartbeatDataLen is the length, in bytes, of the command-and-amps
// payload tail carried by a heartbeat of this version.
func (v Version) HeartbeatDataLen() int {
	if v == V2 {
		return 9
	}
	return 7
}

// Command is the first byte of a master heartbeat's data tail.
type Command byte

const (
	CmdNoChange    Command = 0x00
	CmdError       Command = 0x02
	CmdSetLimitV1  Command = 0x05
	CmdRaiseProbe  Command = 0x06
	CmdLowerProbe  Command = 0x07
	CmdAckStopped  Command = 0x08
	CmdSetLimitV2  Command = 0x09
)

// State is a slave heartbeat's reported status byte.
type State byte

const (
	StateReady            State = 0x00
	StateCharging         State = 0x01
	StateError            State = 0x02
	StatePluggedNotCharge State = 0x03
	StateReadyScheduled   State = 0x04
	StateBusy             State = 0x05
	StateStarting         State = 0x08
)

// Opcode identifies a message type by its first two payload bytes.
type Opcode [2]byte

var (
	OpLinkReady1        = Opcode{0xFC, 0xE1}
	OpLinkReady2        = Opcode{0xFB, 0xE2}
	OpMasterHeartbeat   = Opcode{0xFB, 0xE0}
	OpSlaveLinkReady    = Opcode{0xFD, 0xE2}
	OpSlaveHeartbeat    = Opcode{0xFD, 0xE0}
	OpVoltageReport     = Opcode{0xFD, 0xEB}
	OpMasterVoltagePoll = Opcode{0xFB, 0xEB}
)
