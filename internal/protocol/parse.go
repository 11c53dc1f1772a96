package protocol

import (
	"encoding/binary"
	"fmt"
)

// Parse dispatches an unescaped, checksum-verified payload (opcode
// included, no trailing checksum byte — see frame.Unescape) to its typed
// message. Unknown opcodes are reported as ErrUnknownOpcode so callers
// can log-and-ignore per the parsing rules.
func Parse(payload []byte) (Message, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("protocol: payload too short (%d bytes)", len(payload))
	}
	op := Opcode{payload[0], payload[1]}
	switch op {
	case OpLinkReady1:
		return parseLinkReady(payload, true)
	case OpLinkReady2:
		return parseLinkReady(payload, false)
	case OpSlaveLinkReady:
		return parseSlaveLinkReady(payload)
	case OpSlaveHeartbeat:
		return parseSlaveHeartbeat(payload)
	case OpMasterHeartbeat:
		return parseMasterHeartbeat(payload)
	case OpVoltageReport:
		return parseVoltageReport(payload)
	default:
		return nil, ErrUnknownOpcode{Opcode: op}
	}
}

// ErrUnknownOpcode is returned for any opcode this package doesn't
// recognize. The master link-ready opcodes FC E1/FB E2 are recognized and
// parse to LinkReady1/LinkReady2; callers detect a foreign master by
// checking the raw payload with IsMasterClaim before calling Parse.
type ErrUnknownOpcode struct {
	Opcode Opcode
}

func (e ErrUnknownOpcode) Error() string {
	return fmt.Sprintf("protocol: unknown opcode %02X%02X", e.Opcode[0], e.Opcode[1])
}

func parseLinkReady(payload []byte, one bool) (Message, error) {
	if len(payload) < 5 {
		return nil, fmt.Errorf("protocol: link-ready payload too short")
	}
	sender := TWCID{payload[2], payload[3]}
	sign := Sign(payload[4])
	if one {
		return LinkReady1{Sender: sender, Sign: sign}, nil
	}
	return LinkReady2{Sender: sender, Sign: sign}, nil
}

// parseSlaveLinkReady implements spec.md §3/§4.3: protocol version is
// determined from the payload length (13 bytes -> V1, 15 -> V2).
func parseSlaveLinkReady(payload []byte) (Message, error) {
	if len(payload) != 13 && len(payload) != 15 {
		return nil, fmt.Errorf("protocol: slave link-ready unexpected length %d", len(payload))
	}
	version := V1
	if len(payload) == 15 {
		version = V2
	}
	maxAmps := float64(binary.BigEndian.Uint16(payload[5:7])) / 100.0
	return SlaveLinkReady{
		Sender:  TWCID{payload[2], payload[3]},
		Sign:    Sign(payload[4]),
		MaxAmps: maxAmps,
		Version: version,
	}, nil
}

func parseSlaveHeartbeat(payload []byte) (Message, error) {
	if len(payload) != 13 && len(payload) != 15 {
		return nil, fmt.Errorf("protocol: slave heartbeat unexpected length %d", len(payload))
	}
	version := V1
	if len(payload) == 15 {
		version = V2
	}
	data := payload[6:]
	return SlaveHeartbeat{
		Sender:     TWCID{payload[2], payload[3]},
		Receiver:   TWCID{payload[4], payload[5]},
		Version:    version,
		State:      State(data[0]),
		AmpsMax:    float64(binary.BigEndian.Uint16(data[1:3])) / 100.0,
		AmpsActual: float64(binary.BigEndian.Uint16(data[3:5])) / 100.0,
	}, nil
}

func parseMasterHeartbeat(payload []byte) (Message, error) {
	if len(payload) != 13 && len(payload) != 15 {
		return nil, fmt.Errorf("protocol: master heartbeat unexpected length %d", len(payload))
	}
	version := V1
	if len(payload) == 15 {
		version = V2
	}
	data := payload[6:]
	return MasterHeartbeat{
		Sender:   TWCID{payload[2], payload[3]},
		Receiver: TWCID{payload[4], payload[5]},
		Version:  version,
		Command:  Command(data[0]),
		Amps:     binary.BigEndian.Uint16(data[1:3]),
		Plugged:  data[3] != 0,
	}, nil
}

func parseVoltageReport(payload []byte) (Message, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("protocol: voltage report too short")
	}
	m := VoltageReport{
		Sender:   TWCID{payload[2], payload[3]},
		Receiver: TWCID{payload[4], payload[5]},
	}
	data := payload[6:]
	if len(data) >= 10 {
		m.KWhTotal = binary.BigEndian.Uint32(data[0:4])
		m.VoltagePhaseA = binary.BigEndian.Uint16(data[4:6])
		m.VoltagePhaseB = binary.BigEndian.Uint16(data[6:8])
		m.VoltagePhaseC = binary.BigEndian.Uint16(data[8:10])
		m.HasPhaseData = true
	}
	return m, nil
}

// IsMasterClaim reports whether an unparsed payload carries one of the
// master-only opcodes (FC E1/FB E2), which is how a second master on the
// bus is detected: if it didn't originate from us, it's a collision.
func IsMasterClaim(payload []byte) bool {
	if len(payload) < 2 {
		return false
	}
	op := Opcode{payload[0], payload[1]}
	return op == OpLinkReady1 || op == OpLinkReady2
}
