package signal

import "github.com/mentorhub/meet/internal/signaling"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn, env signaling.Envelope) {
	ctl.sendJSON(conn, signaling.Envelope{Type: signaling.TypePong, ID: env.ID})
}
