package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/observe"
	"github.com/lingua-io/scheduler/internal/resultqueue"
	"github.com/lingua-io/scheduler/internal/session"
	"github.com/lingua-io/scheduler/internal/transport"
)

// nodeConn is one live node connection. writeMu serializes frames the
// same way the teacher's s2s session serializes writes to its upstream
// WebSocket — coder/websocket's Conn.Write is not safe for concurrent
// use by multiple writers.
type nodeConn struct {
	nodeID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *nodeConn) send(ctx context.Context, v any) error {
	data, err := transport.Encode(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// clientConn is one live client connection, paired with the Session
// Actor driving its pipeline.
type clientConn struct {
	sessionID string
	roomCode  string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	actor     *session.Actor
}

func (c *clientConn) send(ctx context.Context, v any) error {
	data, err := transport.Encode(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Hub tracks every node and client connection terminated by this
// instance, and is the concrete implementation behind the narrow
// interfaces (jobs.Assigner, jobs.Canceller, router.LocalDeliverer,
// resultqueue.Sink, room.ExpiryNotifier) the component packages depend
// on — the same split the teacher keeps between its engine packages and
// the audio.Connection/Mixer implementations that actually move bytes.
type Hub struct {
	mu      sync.RWMutex
	nodes   map[string]*nodeConn
	clients map[string]*clientConn

	metrics *observe.Metrics
}

// NewHub creates an empty Hub.
func NewHub(metrics *observe.Metrics) *Hub {
	return &Hub{
		nodes:   make(map[string]*nodeConn),
		clients: make(map[string]*clientConn),
		metrics: metrics,
	}
}

func (h *Hub) addNode(nc *nodeConn) {
	h.mu.Lock()
	h.nodes[nc.nodeID] = nc
	h.mu.Unlock()
	h.metrics.ActiveNodes.Add(context.Background(), 1)
}

func (h *Hub) removeNode(nodeID string) {
	h.mu.Lock()
	_, ok := h.nodes[nodeID]
	delete(h.nodes, nodeID)
	h.mu.Unlock()
	if ok {
		h.metrics.ActiveNodes.Add(context.Background(), -1)
	}
}

func (h *Hub) addClient(cc *clientConn) {
	h.mu.Lock()
	h.clients[cc.sessionID] = cc
	h.mu.Unlock()
	h.metrics.ActiveSessions.Add(context.Background(), 1)
}

func (h *Hub) removeClient(sessionID string) {
	h.mu.Lock()
	_, ok := h.clients[sessionID]
	delete(h.clients, sessionID)
	h.mu.Unlock()
	if ok {
		h.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

func (h *Hub) node(nodeID string) (*nodeConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	nc, ok := h.nodes[nodeID]
	return nc, ok
}

func (h *Hub) client(sessionID string) (*clientConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cc, ok := h.clients[sessionID]
	return cc, ok
}

// AssignJob implements jobs.Assigner for nodes with a live local
// connection. A node connected to another instance is not reached: the
// call returns an error, as for an unknown node.
func (h *Hub) AssignJob(ctx context.Context, nodeID string, j *model.Job) error {
	nc, ok := h.node(nodeID)
	if !ok {
		return fmt.Errorf("scheduler: node %q has no live connection", nodeID)
	}
	msg := transport.JobAssign{
		Type:              transport.TypeJobAssign,
		JobID:             j.JobID,
		RequestID:         j.RequestID,
		SourceSession:     j.SourceSession,
		UtteranceIndex:    j.UtteranceIndex,
		SrcLang:           j.SrcLang,
		TgtLang:           j.TgtLang,
		Pipeline:          transport.PipelineFlags{ASR: j.Pipeline.ASR, NMT: j.Pipeline.NMT, TTS: j.Pipeline.TTS},
		Audio:             j.Audio,
		AudioFormat:       j.AudioFormat,
		SampleRate:        j.SampleRate,
		DispatchAttemptID: j.DispatchAttemptID,
	}
	return nc.send(ctx, msg)
}

// CancelJob implements jobs.Canceller.
func (h *Hub) CancelJob(ctx context.Context, nodeID, jobID string) error {
	nc, ok := h.node(nodeID)
	if !ok {
		return nil // node already gone; nothing to cancel
	}
	return nc.send(ctx, transport.JobCancel{Type: transport.TypeJobCancel, JobID: jobID})
}

// DeliverToNode implements router.LocalDeliverer for node-targeted
// cross-instance forwards: payload is already a framed message.
func (h *Hub) DeliverToNode(ctx context.Context, nodeID, kind string, payload []byte) error {
	nc, ok := h.node(nodeID)
	if !ok {
		return fmt.Errorf("scheduler: node %q has no live connection", nodeID)
	}
	nc.writeMu.Lock()
	defer nc.writeMu.Unlock()
	return nc.conn.Write(ctx, websocket.MessageText, payload)
}

// DeliverToSession implements router.LocalDeliverer for session-targeted
// cross-instance forwards.
func (h *Hub) DeliverToSession(ctx context.Context, sessionID, kind string, payload []byte) error {
	cc, ok := h.client(sessionID)
	if !ok {
		return fmt.Errorf("scheduler: session %q has no live connection", sessionID)
	}
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	return cc.conn.Write(ctx, websocket.MessageText, payload)
}

// Deliver implements resultqueue.Sink: translate each ready/missing
// entry into its outbound wire message and push it to the owning
// client connection in index order.
func (h *Hub) Deliver(ctx context.Context, sessionID string, entries []resultqueue.Entry) error {
	cc, ok := h.client(sessionID)
	if !ok {
		return fmt.Errorf("scheduler: session %q has no live connection", sessionID)
	}
	for _, e := range entries {
		var msg any
		switch e.State {
		case resultqueue.SlotReady:
			msg = translationResultMessage(e)
		case resultqueue.SlotMissing:
			msg = transport.MissingResult{
				Type:           transport.TypeMissingResult,
				SessionID:      sessionID,
				UtteranceIndex: e.UtteranceIndex,
				Reason:         e.Reason,
			}
		default:
			continue
		}
		if err := cc.send(ctx, msg); err != nil {
			return fmt.Errorf("deliver to session %q: %w", sessionID, err)
		}
	}
	return nil
}

func translationResultMessage(e resultqueue.Entry) transport.TranslationResult {
	r := e.Result
	msg := transport.TranslationResult{
		Type:           transport.TypeTranslationResult,
		SessionID:      r.SessionID,
		UtteranceIndex: e.UtteranceIndex,
		JobID:          r.JobID,
		TextASR:        r.TextASR,
		TextTranslated: r.TextTranslated,
		TTSAudio:       r.TTSAudio,
		AudioFormat:    r.TTSFormat,
		TraceID:        r.TraceID,
		GroupID:        r.GroupID,
	}
	if r.GroupID != "" {
		part := r.PartIndex
		msg.PartIndex = &part
	}
	if r.Emotion != "" || r.SpeechRate != 0 || len(r.ServiceTimingsMs) > 0 || len(r.LangProbabilities) > 0 {
		msg.Extras = &transport.ResultExtras{
			Emotion:               r.Emotion,
			SpeechRate:            r.SpeechRate,
			ServiceTimingsMs:      r.ServiceTimingsMs,
			LanguageProbabilities: r.LangProbabilities,
		}
	}
	return msg
}

// NotifyRoomExpired implements room.ExpiryNotifier.
func (h *Hub) NotifyRoomExpired(ctx context.Context, roomCode string, sessionIDs []string) {
	for _, sid := range sessionIDs {
		cc, ok := h.client(sid)
		if !ok {
			continue
		}
		if err := cc.send(ctx, transport.RoomEvent{Type: transport.TypeRoomExpired, RoomCode: roomCode}); err != nil {
			slog.Warn("room_expired delivery failed", "session_id", sid, "err", err)
		}
	}
}

// sendRoomEvent pushes an outbound room event to one session,
// swallowing a missing connection (the session may have just
// disconnected).
func (h *Hub) sendRoomEvent(ctx context.Context, sessionID string, ev transport.RoomEvent) {
	cc, ok := h.client(sessionID)
	if !ok {
		return
	}
	if err := cc.send(ctx, ev); err != nil {
		slog.Warn("room event delivery failed", "session_id", sessionID, "err", err)
	}
}

// relayWebRTC forwards a signaling message verbatim to another session
// in the same room, used for offer/answer/ICE exchange when two
// participants negotiate a direct WebRTC media path.
func (h *Hub) relayWebRTC(ctx context.Context, targetSessionID string, raw json.RawMessage) error {
	cc, ok := h.client(targetSessionID)
	if !ok {
		return fmt.Errorf("scheduler: session %q has no live connection", targetSessionID)
	}
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	return cc.conn.Write(ctx, websocket.MessageText, raw)
}
