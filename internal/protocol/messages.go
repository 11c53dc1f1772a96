package protocol

// Message is any typed payload this package can parse or build. Build
// returns the payload bytes, opcode included, ready for frame.Encode.
type Message interface {
	Opcode() Opcode
	Build() []byte
}

// LinkReady1 advertises the master's TWCID at startup.
type LinkReady1 struct {
	Sender TWCID
	Sign   Sign
}

func (LinkReady1) Opcode() Opcode { return OpLinkReady1 }

func (m LinkReady1) Build() []byte {
	return append([]byte{OpLinkReady1[0], OpLinkReady1[1], m.Sender[0], m.Sender[1], byte(m.Sign)},
		0, 0, 0, 0, 0, 0, 0, 0)
}

// LinkReady2 elicits a slave link-ready response.
type LinkReady2 struct {
	Sender TWCID
	Sign   Sign
}

func (LinkReady2) Opcode() Opcode { return OpLinkReady2 }

func (m LinkReady2) Build() []byte {
	return append([]byte{OpLinkReady2[0], OpLinkReady2[1], m.Sender[0], m.Sender[1], byte(m.Sign)},
		0, 0, 0, 0, 0, 0, 0, 0)
}

// SlaveLinkReady is a slave's discovery advertisement. The payload length
// (13 bytes for V1, 15 for V2) is what fixes the slave's protocol version;
// see ParseSlaveLinkReady.
type SlaveLinkReady struct {
	Sender      TWCID
	Sign        Sign
	MaxAmps     float64
	Version     Version
}

func (SlaveLinkReady) Opcode() Opcode { return OpSlaveLinkReady }

// MasterHeartbeat is the master's per-slave status/command frame.
// Its data tail is 7 bytes for V1, 9 for V2 (the extra two V2 bytes are
// reserved/zero in all command forms this implementation emits).
type MasterHeartbeat struct {
	Sender   TWCID
	Receiver TWCID
	Version  Version
	Command  Command
	Amps     uint16 // amps * 100, or an error bitmap for CmdError
	Plugged  bool
}

func (MasterHeartbeat) Opcode() Opcode { return OpMasterHeartbeat }

func (m MasterHeartbeat) Build() []byte {
	out := make([]byte, 0, 6+m.Version.HeartbeatDataLen())
	out = append(out, OpMasterHeartbeat[0], OpMasterHeartbeat[1])
	out = append(out, m.Sender[0], m.Sender[1])
	out = append(out, m.Receiver[0], m.Receiver[1])

	plugged := byte(0)
	if m.Plugged {
		plugged = 1
	}
	tail := make([]byte, m.Version.HeartbeatDataLen())
	tail[0] = byte(m.Command)
	tail[1] = byte(m.Amps >> 8)
	tail[2] = byte(m.Amps)
	tail[3] = plugged
	return append(out, tail...)
}

// SlaveHeartbeat is a slave's periodic status reply to a master heartbeat.
type SlaveHeartbeat struct {
	Sender   TWCID
	Receiver TWCID
	Version  Version
	State    State
	AmpsMax    float64
	AmpsActual float64
}

func (SlaveHeartbeat) Opcode() Opcode { return OpSlaveHeartbeat }

// VoltageReport is the optional kWh-total / per-phase-voltage message
// newer slave firmware sends. It's informational only: nothing in the
// allocation policy reads it.
type VoltageReport struct {
	Sender      TWCID
	Receiver    TWCID
	KWhTotal    uint32
	VoltagePhaseA, VoltagePhaseB, VoltagePhaseC uint16
	// HasPhaseData is false when the data tail was too short to contain
	// the kWh+3-phase layout (e.g. a single-phase charger).
	HasPhaseData bool
}

func (VoltageReport) Opcode() Opcode { return OpVoltageReport }
