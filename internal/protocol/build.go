package protocol

import "encoding/binary"

// Build for SlaveLinkReady/SlaveHeartbeat/VoltageReport exists so tests
// can play a simulated slave (internal/master's tests feed these frames
// through an in-memory Port); the real master never sends these opcodes.

func (m SlaveLinkReady) Build() []byte {
	amps := make([]byte, 2)
	binary.BigEndian.PutUint16(amps, uint16(m.MaxAmps*100))
	tailLen := 6
	if m.Version == V2 {
		tailLen = 8
	}
	out := append([]byte{OpSlaveLinkReady[0], OpSlaveLinkReady[1], m.Sender[0], m.Sender[1], byte(m.Sign)}, amps...)
	return append(out, make([]byte, tailLen)...)
}

func (m SlaveHeartbeat) Build() []byte {
	ampsMax := make([]byte, 2)
	ampsActual := make([]byte, 2)
	binary.BigEndian.PutUint16(ampsMax, uint16(m.AmpsMax*100))
	binary.BigEndian.PutUint16(ampsActual, uint16(m.AmpsActual*100))

	tail := make([]byte, m.Version.HeartbeatDataLen())
	tail[0] = byte(m.State)
	copy(tail[1:3], ampsMax)
	copy(tail[3:5], ampsActual)

	out := []byte{OpSlaveHeartbeat[0], OpSlaveHeartbeat[1], m.Sender[0], m.Sender[1], m.Receiver[0], m.Receiver[1]}
	return append(out, tail...)
}

func (m VoltageReport) Build() []byte {
	out := []byte{OpVoltageReport[0], OpVoltageReport[1], m.Sender[0], m.Sender[1], m.Receiver[0], m.Receiver[1]}
	if !m.HasPhaseData {
		return out
	}
	data := make([]byte, 10)
	binary.BigEndian.PutUint32(data[0:4], m.KWhTotal)
	binary.BigEndian.PutUint16(data[4:6], m.VoltagePhaseA)
	binary.BigEndian.PutUint16(data[6:8], m.VoltagePhaseB)
	binary.BigEndian.PutUint16(data[8:10], m.VoltagePhaseC)
	return append(out, data...)
}
