package rpc

import (
	"github.com/snake0/upcxx-2020.3.2-sub000/command"
	"github.com/snake0/upcxx-2020.3.2-sub000/persona"
	"github.com/snake0/upcxx-2020.3.2-sub000/transport"
	"github.com/snake0/upcxx-2020.3.2-sub000/wire"
)

// longHeader is the small fixed-size args payload that travels
// alongside a long-with-payload AM: the point/level/persona/reply-token
// quadruple the handler needs before the bulk payload (the encoded Command
// itself) has even landed.

type longHeader struct {
	point      DispatchPoint
	level      persona.Level
	personaID  int
	replyToken uint64
}

func encodeLongHeader(h longHeader) []byte {
	w := wire.NewBoundedWriter(1 + 1 + 4 + 8)
	wire.Uint8Codec.Serialize(w, uint8(h.point))
	wire.Uint8Codec.Serialize(w, levelByte(h.level))
	wire.Int32Codec.Serialize(w, int32(h.personaID))
	wire.Uint64Codec.Serialize(w, h.replyToken)
	return w.Bytes()
}

func decodeLongHeader(buf []byte) longHeader {
	r := wire.NewReader(buf)
	point := DispatchPoint(wire.Uint8Codec.Deserialize(r))
	level := byteLevel(wire.Uint8Codec.Deserialize(r))
	personaID := int(wire.Int32Codec.Deserialize(r))
	replyToken := wire.Uint64Codec.Deserialize(r)
	return longHeader{point: point, level: level, personaID: personaID, replyToken: replyToken}
}

// sendLong issues cmd via the long-with-payload protocol (spec.md §4.8),
// used once the encoded command exceeds the eager cutover: the small header
// travels in args, the full command bytes travel as the RDMA-landed
// payload. The admission limiter gates initiation the way catrate gates any
// other bursty resource in this runtime (SPEC_FULL.md §1), surfacing
// [ErrBackpressure] rather than blocking the caller's goroutine.
func (e *Engine) sendLong(dst int, handler transport.HandlerID, level persona.Level, personaID int, token uint64, cmd command.Command, done func()) (func(), error) {
	if _, ok := e.longAdmit.Allow(dst); !ok {
		return nil, ErrBackpressure
	}
	payload := encodeCommand(cmd)
	header := encodeLongHeader(longHeader{point: pointForHandler(handler), level: level, personaID: personaID, replyToken: token})
	// All long sends land on the single reserved long-packed slot regardless
	// of the caller's chosen eager handler: the dispatch point itself travels
	// inside the header instead, since spec.md §6 reserves only one
	// long-packed slot, not three.
	if err := e.t.SendLongWithPayload(dst, transport.HandlerLongPackedCmd, header, payload); err != nil {
		return nil, err
	}
	return done, nil
}

// pointForHandler recovers the dispatch point from the eager handler slot
// Send's caller-facing API chose, so sendLong can carry it in the long
// header.
func pointForHandler(h transport.HandlerID) DispatchPoint {
	switch h {
	case transport.HandlerEagerMaster:
		return DispatchMaster
	case transport.HandlerEagerPersona:
		return DispatchPersona
	default:
		return DispatchRestricted
	}
}

// handleLongPacked is the receive side of sendLong: decode the header from
// args, decode the Command from the RDMA-landed payload, and dispatch.
func (e *Engine) handleLongPacked(from int, args []byte, payload []byte) {
	h := decodeLongHeader(args)
	cmd := decodeCommand(payload)
	if h.replyToken == 0 {
		e.dispatchLocal(h.point, h.level, h.personaID, cmd)
		return
	}
	e.dispatchLocalThen(h.point, h.level, h.personaID, cmd, func() {
		e.sendReply(from, h.replyToken)
	})
}

// handleLongPayloadPart and handleLongCmdPart exist only to occupy the two
// reserved slots spec.md §6 sets aside for a partitioned long-with-payload
// form (used by a real network layer when a single command's payload
// exceeds what one RDMA operation can land in a single step). The Loopback
// transport's Put has no such limit, so sendLong above never partitions,
// and these slots see no traffic under it; they are wired to a panic rather
// than left unregistered so a future transport that does partition has a
// defined extension point to replace.
func (e *Engine) handleLongPayloadPart(int, []byte, []byte) {
	panic("rpc: partitioned long-with-payload is not implemented by this transport")
}

func (e *Engine) handleLongCmdPart(int, []byte, []byte) {
	panic("rpc: partitioned long-with-payload is not implemented by this transport")
}
