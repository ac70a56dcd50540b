package rpc

import (
	"github.com/snake0/upcxx-2020.3.2-sub000/command"
	"github.com/snake0/upcxx-2020.3.2-sub000/persona"
	"github.com/snake0/upcxx-2020.3.2-sub000/transport"
	"github.com/snake0/upcxx-2020.3.2-sub000/wire"
)

// eager envelope layout: [level byte][personaID int32][replyToken uint64][cmd bytes...]
// personaID is only meaningful for DispatchPersona sends; replyToken is 0
// when no reply-completion was requested (token 0 is never issued, see
// reply.go).

func encodeEagerEnvelope(level persona.Level, personaID int, replyToken uint64, cmd command.Command) []byte {
	w := wire.NewUnboundedWriter()
	wire.Uint8Codec.Serialize(w, levelByte(level))
	wire.Int32Codec.Serialize(w, int32(personaID))
	wire.Uint64Codec.Serialize(w, replyToken)
	command.Codec().Serialize(w, cmd)
	return w.Bytes()
}

func decodeEagerEnvelope(buf []byte) (level persona.Level, personaID int, replyToken uint64, cmd command.Command) {
	r := wire.NewReader(buf)
	level = byteLevel(wire.Uint8Codec.Deserialize(r))
	personaID = int(wire.Int32Codec.Deserialize(r))
	replyToken = wire.Uint64Codec.Deserialize(r)
	cmd = command.Codec().Deserialize(r)
	return
}

// handleEager builds the AMHandler for one of the three eager dispatch-point
// handler slots (spec.md §6): decode the envelope, dispatch cmd at point,
// and — if a reply was requested — send the reply-completion AM back once
// the command has actually run.
func (e *Engine) handleEager(point DispatchPoint) transport.AMHandler {
	return func(from int, args []byte, _ []byte) {
		level, personaID, replyToken, cmd := decodeEagerEnvelope(args)
		if replyToken == 0 {
			e.dispatchLocal(point, level, personaID, cmd)
			return
		}
		e.dispatchLocalThen(point, level, personaID, cmd, func() {
			e.sendReply(from, replyToken)
		})
	}
}

// Send issues cmd as an eager-medium active message, per spec.md §4.8: used
// when the encoded command fits within the transport's landing zone.
// replyOnDone, if true, requests a reply-completion AM once cmd has run on
// dst (see reply.go); the returned func blocks until that reply arrives, or
// is nil if replyOnDone is false.
func (e *Engine) Send(dst int, point DispatchPoint, personaID int, level persona.Level, cmd command.Command, replyOnDone bool) (wait func(), err error) {
	var token uint64
	var done func()
	if replyOnDone {
		token, done = e.newReplyToken()
	}
	body := encodeEagerEnvelope(level, personaID, token, cmd)
	if len(body) > e.rendezvousCutover {
		return e.sendLong(dst, eagerHandlerFor(point), level, personaID, token, cmd, done)
	}
	if err := e.t.SendEager(dst, eagerHandlerFor(point), body); err != nil {
		return nil, err
	}
	return done, nil
}

// SendNotify is Send with an async completion callback instead of a
// blocking wait(): onReply runs (on whatever goroutine is inside this
// rank's Engine.Poll at the time) once the command has run on dst and its
// reply has landed here. Used by packages like rma that need remote
// completion to feed a [completion.Set] rather than block a goroutine.
func (e *Engine) SendNotify(dst int, point DispatchPoint, personaID int, level persona.Level, cmd command.Command, onReply func()) error {
	token := e.registerReplyCallback(onReply)
	body := encodeEagerEnvelope(level, personaID, token, cmd)
	if len(body) > e.rendezvousCutover {
		_, err := e.sendLong(dst, eagerHandlerFor(point), level, personaID, token, cmd, nil)
		return err
	}
	return e.t.SendEager(dst, eagerHandlerFor(point), body)
}

func eagerHandlerFor(point DispatchPoint) transport.HandlerID {
	switch point {
	case DispatchMaster:
		return transport.HandlerEagerMaster
	case DispatchPersona:
		return transport.HandlerEagerPersona
	default:
		return transport.HandlerEagerRestricted
	}
}

// dispatchLocalThen runs dispatchLocal and invokes after once the dispatched
// callback itself has run — for DispatchRestricted this is immediate (the
// command ran inline); for the other two dispatch points it chains onto the
// enqueued closure, since the actual run happens later on the persona's own
// thread.
func (e *Engine) dispatchLocalThen(point DispatchPoint, level persona.Level, personaID int, cmd command.Command, after func()) {
	if point == DispatchRestricted {
		command.Dispatch(cmd)
		after()
		return
	}
	var target *persona.Persona
	if point == DispatchMaster {
		target = e.master
	} else {
		p, ok := e.personaByID(personaID)
		if !ok {
			panic("rpc: inbound command for unregistered persona id")
		}
		target = p
	}
	persona.EnqueueRemote(target, level == persona.LevelUser, func() {
		command.Dispatch(cmd)
		after()
	})
}
