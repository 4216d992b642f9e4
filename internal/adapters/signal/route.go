package signal

import (
	"errors"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Turtle/internal/core"
)

func (ctl *SignalWSController) handleClaim(sid core.SessionID, c *WsSignalConn, msg Message) {
	if err := msg.Address.Validate(); err != nil {
		ctl.sendJSON(c, errorReply(msg, CodeBadPayload, err.Error()))
		return
	}
	if !ctl.limiter.Allow(sid) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("claim rate limited")
		ctl.sendJSON(c, errorReply(msg, CodeRateLimited, "too many claims"))
		return
	}
	if err := ctl.Registry.Claim(sid, msg.Address); err != nil {
		code := CodeForbidden
		if errors.Is(err, core.ErrAddressTaken) {
			code = CodeTaken
		}
		ctl.sendJSON(c, errorReply(msg, code, err.Error()))
		return
	}
	ctl.sendJSON(c, Message{Type: TypeClaimed, ID: msg.ID, Address: msg.Address})
}

func (ctl *SignalWSController) handleRelease(sid core.SessionID, c *WsSignalConn, msg Message) {
	if err := ctl.Registry.Release(sid, msg.Address); err != nil {
		ctl.sendJSON(c, errorReply(msg, CodeForbidden, err.Error()))
		return
	}
	ctl.sendJSON(c, Message{Type: TypeReleased, ID: msg.ID, Address: msg.Address})
}

// handleRoute forwards a peer message to whoever owns msg.To. To is kept
// so the receiver knows which of its addresses was dialed.
func (ctl *SignalWSController) handleRoute(sid core.SessionID, c *WsSignalConn, msg Message) {
	from, ok := ctl.Registry.Primary(sid)
	if !ok {
		return
	}
	targetSID, target, ok := ctl.Registry.Lookup(msg.To)
	if !ok || targetSID == sid {
		if msg.Type != TypeBye {
			ctl.sendJSON(c, errorReply(msg, CodeUnavailable, "peer unavailable"))
		}
		return
	}
	msg.From = from
	b, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("route marshal")
		return
	}
	if err := target.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("to", string(msg.To)).Msg("route dropped")
		ctl.sendJSON(c, errorReply(msg, CodeUnavailable, err.Error()))
	}
}
