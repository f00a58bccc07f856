package ncp

import (
	"encoding/binary"
	"fmt"
)

const (
	permitJoinAddrMode       uint8  = 0x0F   // broadcast
	permitJoinBroadcast      uint16 = 0xFFFC // all routers and coordinator
	permitJoinForever        uint8  = 0xFF
	permitJoinTCSignificance uint8  = 0x00

	afOptionDiscoverRoute uint8 = 0x20
	afDefaultRadius       uint8 = 0x1E

	bindAddrMode64Bit uint8 = 0x03
)

// PermitJoin opens (indefinitely) or closes the network for joining.
func (z *ZStack) PermitJoin(enabled bool) error {
	duration := uint8(0)
	if enabled {
		duration = permitJoinForever
	}
	z.permitJoin.Store(enabled)
	return z.writeFrame(mtZDOMgmtPermitJoinReq, encodePermitJoin(duration))
}

// encodePermitJoin: addrMode(1) dst(2) duration(1) tcSignificance(1).
func encodePermitJoin(duration uint8) []byte {
	buf := make([]byte, 5)
	buf[0] = permitJoinAddrMode
	binary.LittleEndian.PutUint16(buf[1:3], permitJoinBroadcast)
	buf[3] = duration
	buf[4] = permitJoinTCSignificance
	return buf
}

func (z *ZStack) onPermitJoinAck(payload []byte) {
	res := PermitJoinResult{Enabled: z.permitJoin.Load(), Status: statusByte(payload)}
	if res.Status != mtStatusSuccess {
		z.logger.Warn("zstack permit join failed", "enabled", res.Enabled, "status", res.Status)
		z.emit(EventPermitJoinFailed, res)
		return
	}
	z.logger.Info("zstack permit join changed", "enabled", res.Enabled)
	z.emit(EventPermitJoinChanged, res)
}

// DataRequest sends a unicast frame from the coordinator endpoint. The
// local acknowledgement and the final confirmation arrive as events; the
// caller correlates them by transaction id.
func (z *ZStack) DataRequest(req DataRequest) error {
	payload, err := encodeAFDataRequest(req)
	if err != nil {
		return err
	}
	return z.writeFrame(mtAFDataRequest, payload)
}

// encodeAFDataRequest: dst(2) dstEp(1) srcEp(1) cluster(2) trans(1) options(1) radius(1) len(1) data.
func encodeAFDataRequest(req DataRequest) ([]byte, error) {
	const header = 10
	if len(req.Payload) > mtMaxPayload-header {
		return nil, fmt.Errorf("zstack data request %d bytes: %w", len(req.Payload), ErrPayloadTooLong)
	}
	buf := make([]byte, header, header+len(req.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], req.DstAddr)
	buf[2] = req.DstEndpoint
	buf[3] = coordEndpoint
	binary.LittleEndian.PutUint16(buf[4:6], req.ClusterID)
	buf[6] = req.TransactionID
	buf[7] = afOptionDiscoverRoute
	buf[8] = afDefaultRadius
	buf[9] = byte(len(req.Payload))
	return append(buf, req.Payload...), nil
}

// decodeAFDataRequest is the inverse of encodeAFDataRequest.
func decodeAFDataRequest(payload []byte) (DataRequest, error) {
	if len(payload) < 10 || len(payload) < 10+int(payload[9]) {
		return DataRequest{}, fmt.Errorf("zstack data request: short payload (%d bytes)", len(payload))
	}
	n := int(payload[9])
	return DataRequest{
		DstAddr:       binary.LittleEndian.Uint16(payload[0:2]),
		DstEndpoint:   payload[2],
		ClusterID:     binary.LittleEndian.Uint16(payload[4:6]),
		TransactionID: payload[6],
		Payload:       append([]byte(nil), payload[10:10+n]...),
	}, nil
}

func (z *ZStack) onDataRequestAck(payload []byte) {
	st := RequestStatus{Status: statusByte(payload)}
	if st.Status != mtStatusSuccess {
		z.logger.Warn("zstack data request failed", "status", st.Status)
		z.emit(EventRequestFailed, st)
		return
	}
	z.emit(EventRequestEnqueued, st)
}

// onDataConfirm: status(1) endpoint(1) trans(1).
func (z *ZStack) onDataConfirm(payload []byte) {
	if len(payload) < 3 {
		return
	}
	z.emit(EventRequestFinished, DataConfirm{
		Status:        payload[0],
		Endpoint:      payload[1],
		TransactionID: payload[2],
	})
}

// BindRequest binds a device cluster to the coordinator endpoint.
func (z *ZStack) BindRequest(req BindRequest) error {
	return z.writeFrame(mtZDOBindReq, encodeBindRequest(req, z.LocalIEEE()))
}

// encodeBindRequest: dst(2) srcIEEE(8) srcEp(1) cluster(2) dstMode(1) dstIEEE(8) dstEp(1).
func encodeBindRequest(req BindRequest, dstIEEE [8]byte) []byte {
	buf := make([]byte, 23)
	binary.LittleEndian.PutUint16(buf[0:2], req.TargetShortAddr)
	copy(buf[2:10], req.SrcIEEE[:])
	buf[10] = req.SrcEndpoint
	binary.LittleEndian.PutUint16(buf[11:13], req.ClusterID)
	buf[13] = bindAddrMode64Bit
	copy(buf[14:22], dstIEEE[:])
	buf[22] = coordEndpoint
	return buf
}

func (z *ZStack) onBindAck(payload []byte) {
	st := RequestStatus{Status: statusByte(payload)}
	if st.Status != mtStatusSuccess {
		z.logger.Warn("zstack bind request failed", "status", st.Status)
		z.emit(EventBindFailed, st)
		return
	}
	z.emit(EventBindEnqueued, st)
}

// onBindRsp: src(2) status(1).
func (z *ZStack) onBindRsp(payload []byte) {
	if len(payload) < 3 {
		return
	}
	z.emit(EventBindFinished, BindResponse{
		ShortAddr: binary.LittleEndian.Uint16(payload[0:2]),
		Status:    payload[2],
	})
}

// onDeviceAnnounce: src(2) nwk(2) ieee(8) capabilities(1).
func (z *ZStack) onDeviceAnnounce(payload []byte) {
	if len(payload) < 13 {
		return
	}
	ev := DeviceAnnounce{
		SrcAddr:    binary.LittleEndian.Uint16(payload[0:2]),
		ShortAddr:  binary.LittleEndian.Uint16(payload[2:4]),
		Capability: payload[12],
	}
	copy(ev.IEEEAddr[:], payload[4:12])
	z.logger.Info("zstack device joined", "ieee", formatIEEE(ev.IEEEAddr), "short", fmt.Sprintf("0x%04X", ev.ShortAddr))
	z.emit(EventDeviceJoinedNetwork, ev)
}

// onDeviceLeave: src(2) ieee(8) request(1) remove(1) rejoin(1).
func (z *ZStack) onDeviceLeave(payload []byte) {
	if len(payload) < 13 {
		return
	}
	ev := DeviceLeave{
		ShortAddr: binary.LittleEndian.Uint16(payload[0:2]),
		Request:   payload[10] != 0,
		Remove:    payload[11] != 0,
		Rejoin:    payload[12] != 0,
	}
	copy(ev.IEEEAddr[:], payload[2:10])
	z.logger.Info("zstack device left", "ieee", formatIEEE(ev.IEEEAddr), "short", fmt.Sprintf("0x%04X", ev.ShortAddr))
	z.emit(EventDeviceLeftNetwork, ev)
}

// onIncomingMsg: group(2) cluster(2) src(2) srcEp(1) dstEp(1) bcast(1) lqi(1)
// sec(1) timestamp(4) trans(1) len(1) data.
func (z *ZStack) onIncomingMsg(payload []byte) {
	msg, err := decodeIncomingMsg(payload)
	if err != nil {
		z.logger.Warn("zstack incoming message", "err", err)
		return
	}
	z.emit(EventMessageReceived, msg)
}

func decodeIncomingMsg(payload []byte) (IncomingMessage, error) {
	const header = 17
	if len(payload) < header {
		return IncomingMessage{}, fmt.Errorf("short payload (%d bytes)", len(payload))
	}
	n := int(payload[16])
	if len(payload) < header+n {
		return IncomingMessage{}, fmt.Errorf("data length %d exceeds payload (%d bytes)", n, len(payload)-header)
	}
	return IncomingMessage{
		GroupID:       binary.LittleEndian.Uint16(payload[0:2]),
		ClusterID:     binary.LittleEndian.Uint16(payload[2:4]),
		SrcAddr:       binary.LittleEndian.Uint16(payload[4:6]),
		SrcEndpoint:   payload[6],
		DstEndpoint:   payload[7],
		WasBroadcast:  payload[8] != 0,
		LinkQuality:   payload[9],
		SecurityUse:   payload[10] != 0,
		Timestamp:     binary.LittleEndian.Uint32(payload[11:15]),
		TransactionID: payload[15],
		Data:          append([]byte(nil), payload[header:header+n]...),
	}, nil
}
