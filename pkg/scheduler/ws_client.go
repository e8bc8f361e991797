package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/schederr"
	"github.com/lingua-io/scheduler/internal/session"
	"github.com/lingua-io/scheduler/internal/transport"
)

var errNotSessionInitFrame = errors.New("scheduler: first client frame was not session_init")

// handleClientWS upgrades an inbound HTTP request to a client WebSocket
// and runs the session_init handshake followed by a receive loop, the
// same Accept-then-loop shape as handleNodeWS.
func (in *Instance) handleClientWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Warn("client websocket accept failed", "err", err)
		return
	}
	ctx := r.Context()
	defer conn.CloseNow()

	cc, actor, err := in.awaitSessionInit(ctx, conn)
	if err != nil {
		slog.Warn("session_init failed", "err", err)
		return
	}
	in.hub.addClient(cc)
	actor.Start(ctx)
	defer func() {
		actor.Stop()
		in.resultq.RemoveSession(cc.sessionID)
		in.hub.removeClient(cc.sessionID)
	}()

	slog.Info("client connected", "session_id", cc.sessionID)
	in.clientReceiveLoop(ctx, cc)
}

// awaitSessionInit blocks for the first frame, which must be
// session_init, builds the Session Actor for it, joins a room if one
// was named, and acknowledges the handshake.
func (in *Instance) awaitSessionInit(ctx context.Context, conn *websocket.Conn) (*clientConn, *session.Actor, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, nil, err
	}
	msg, err := transport.DecodeClientMessage(data)
	if err != nil {
		return nil, nil, err
	}
	init, ok := msg.(transport.SessionInit)
	if !ok {
		return nil, nil, errNotSessionInitFrame
	}

	sessionID := init.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	traceID := init.TraceID
	if traceID == "" {
		traceID = session.NewTraceID()
	}

	sess := model.Session{
		SessionID:     sessionID,
		RoutingKey:    sessionID,
		TenantID:      init.TenantID,
		SrcLang:       init.SrcLang,
		TgtLang:       init.TgtLang,
		Bidirectional: init.Bidirectional,
		LangA:         init.LangA,
		LangB:         init.LangB,
		Features: model.FeatureFlags{
			RawVoicePreference: true,
		},
		AudioFormat: init.AudioFormat,
		SampleRate:  init.SampleRate,
		RoomCode:    init.RoomCode,
		TraceID:     traceID,
	}

	cc := &clientConn{sessionID: sessionID, roomCode: init.RoomCode, conn: conn}

	var resolver session.FanoutResolver = in.rooms
	if init.RoomCode != "" {
		if err := in.rooms.JoinRoom(ctx, init.RoomCode, model.Participant{
			SessionID:     sessionID,
			PreferredLang: init.TgtLang,
		}); err != nil {
			return nil, nil, err
		}
	}

	group := session.NewGroupManager(sessionID, 0, 0)
	actor := session.NewActor(sess, in.sessionCfg, group, in.dispatcher, resolver)
	cc.actor = actor

	if err := cc.send(ctx, transport.SessionInitAck{
		Type:      transport.TypeSessionInitAck,
		SessionID: sessionID,
		TraceID:   traceID,
	}); err != nil {
		return nil, nil, err
	}
	return cc, actor, nil
}

// clientReceiveLoop decodes and dispatches every subsequent frame from
// an already-initialized client session.
func (in *Instance) clientReceiveLoop(ctx context.Context, cc *clientConn) {
	for {
		_, data, err := cc.conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := transport.DecodeClientMessage(data)
		if err != nil {
			slog.Warn("client message decode failed", "session_id", cc.sessionID, "err", err)
			continue
		}
		if done := in.handleClientMessage(ctx, cc, msg); done {
			return
		}
	}
}

// handleClientMessage dispatches one decoded client frame. It returns
// true when the session should close (session_close or an
// unrecoverable error).
func (in *Instance) handleClientMessage(ctx context.Context, cc *clientConn, msg any) bool {
	switch m := msg.(type) {
	case transport.Utterance:
		cc.actor.SendAudioChunk(session.AudioChunk{Bytes: m.Audio, IsFinal: true})
	case transport.AudioChunk:
		cc.actor.SendAudioChunk(session.AudioChunk{
			Bytes:             m.Audio,
			IsFinal:           m.IsFinal,
			ClientTimestampMs: m.ClientTimestampMs,
		})
		if m.IsFinal {
			cc.actor.SendIsFinal()
		}
	case transport.ClientHeartbeat:
		_ = cc.send(ctx, transport.ServerHeartbeat{Type: transport.TypeServerHeartbeat, ServerTimeMs: nowMs()})
	case transport.TTSPlayEnded:
		// Accepted and ignored: no playback end time is recorded for
		// pause suppression.
	case transport.SessionClose:
		_ = cc.send(ctx, transport.SessionCloseAck{Type: transport.TypeSessionCloseAck, SessionID: cc.sessionID})
		return true
	case transport.RoomCreate:
		in.handleRoomCreate(ctx, cc, m)
	case transport.RoomJoin:
		in.handleRoomJoin(ctx, cc, m)
	case transport.RoomLeave:
		in.handleRoomLeave(ctx, cc)
	case transport.RoomRawVoicePreference:
		in.handleRoomRawVoicePreference(ctx, cc, m)
	case transport.WebRTCSignal:
		in.handleWebRTCSignal(ctx, cc, m)
	default:
		slog.Warn("unhandled client message", "session_id", cc.sessionID, "type", fmt.Sprintf("%T", msg))
	}
	return false
}

func (in *Instance) handleRoomCreate(ctx context.Context, cc *clientConn, m transport.RoomCreate) {
	code, err := in.rooms.CreateRoom(ctx, model.Participant{
		SessionID:     cc.sessionID,
		DisplayName:   m.DisplayName,
		PreferredLang: m.PreferredLang,
	})
	if err != nil {
		in.sendClientError(ctx, cc, err)
		return
	}
	cc.roomCode = code
	_ = cc.send(ctx, transport.RoomEvent{Type: transport.TypeRoomCreated, RoomCode: code})
}

func (in *Instance) handleRoomJoin(ctx context.Context, cc *clientConn, m transport.RoomJoin) {
	if err := in.rooms.JoinRoom(ctx, m.RoomCode, model.Participant{
		SessionID:     cc.sessionID,
		DisplayName:   m.DisplayName,
		PreferredLang: m.PreferredLang,
	}); err != nil {
		in.sendClientError(ctx, cc, err)
		return
	}
	cc.roomCode = m.RoomCode
	_ = cc.send(ctx, transport.RoomEvent{Type: transport.TypeRoomJoined, RoomCode: m.RoomCode})
	in.broadcastRoomParticipants(ctx, m.RoomCode, cc.sessionID, transport.TypeRoomParticipantJoined)
}

func (in *Instance) handleRoomLeave(ctx context.Context, cc *clientConn) {
	code := cc.roomCode
	if code == "" {
		return
	}
	if _, err := in.rooms.LeaveRoom(ctx, code, cc.sessionID); err != nil {
		in.sendClientError(ctx, cc, err)
		return
	}
	cc.roomCode = ""
	_ = cc.send(ctx, transport.RoomEvent{Type: transport.TypeRoomLeft, RoomCode: code})
	in.broadcastRoomParticipants(ctx, code, cc.sessionID, transport.TypeRoomParticipantLeft)
}

func (in *Instance) handleRoomRawVoicePreference(ctx context.Context, cc *clientConn, m transport.RoomRawVoicePreference) {
	code := cc.roomCode
	if code == "" {
		return
	}
	if err := in.rooms.SetRawVoicePreference(ctx, code, cc.sessionID, m.Receive); err != nil {
		in.sendClientError(ctx, cc, err)
	}
}

// handleWebRTCSignal relays an SDP offer/answer or ICE candidate to
// every other participant of the sender's room; a point-to-point
// negotiation target isn't named on the wire message, so with more
// than two participants every peer receives every signal and discards
// ones not addressed to it by SDP content.
func (in *Instance) handleWebRTCSignal(ctx context.Context, cc *clientConn, m transport.WebRTCSignal) {
	code := cc.roomCode
	if code == "" {
		return
	}
	data, err := transport.Encode(m)
	if err != nil {
		return
	}
	for _, p := range in.rooms.Participants(code, cc.sessionID) {
		if err := in.hub.relayWebRTC(ctx, p.SessionID, data); err != nil {
			slog.Warn("webrtc relay failed", "session_id", p.SessionID, "err", err)
		}
	}
}

func (in *Instance) broadcastRoomParticipants(ctx context.Context, code, triggeringSessionID, eventType string) {
	peers := in.rooms.Participants(code, "")
	participants := make([]transport.RoomParticipant, 0, len(peers))
	for _, p := range peers {
		participants = append(participants, transport.RoomParticipant{
			SessionID:     p.SessionID,
			DisplayName:   p.DisplayName,
			PreferredLang: p.PreferredLang,
		})
	}
	ev := transport.RoomEvent{Type: eventType, RoomCode: code, Participants: participants}
	for _, p := range peers {
		if p.SessionID == triggeringSessionID {
			continue
		}
		in.hub.sendRoomEvent(ctx, p.SessionID, ev)
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (in *Instance) sendClientError(ctx context.Context, cc *clientConn, err error) {
	var se *schederr.SchedError
	if errors.As(err, &se) {
		_ = cc.send(ctx, transport.ErrorMessage{Type: transport.TypeError, Code: string(se.Code), Message: se.Message, Details: se.Details})
		return
	}
	_ = cc.send(ctx, transport.ErrorMessage{Type: transport.TypeError, Code: string(schederr.CodeInvalidMessage), Message: err.Error()})
}
