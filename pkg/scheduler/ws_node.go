package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/lingua-io/scheduler/internal/model"
	"github.com/lingua-io/scheduler/internal/registry"
	"github.com/lingua-io/scheduler/internal/transport"
)

var errNotRegisterFrame = errors.New("scheduler: first node frame was not node_register")

// handleNodeWS upgrades an inbound HTTP request to a node WebSocket and
// runs the registration + receive loop until the connection closes —
// grounded on the teacher's s2s session.receiveLoop shape (Accept, then
// loop Read+dispatch until the context or the connection ends).
func (in *Instance) handleNodeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Warn("node websocket accept failed", "err", err)
		return
	}
	ctx := r.Context()
	defer conn.CloseNow()

	nc, err := in.awaitNodeRegister(ctx, conn)
	if err != nil {
		slog.Warn("node registration failed", "err", err)
		return
	}
	in.hub.addNode(nc)
	defer func() {
		in.hub.removeNode(nc.nodeID)
		in.registry.Remove(nc.nodeID)
	}()

	in.metrics.NodeRegistrations.Add(ctx, 1)
	slog.Info("node connected", "node_id", nc.nodeID)

	in.nodeReceiveLoop(ctx, conn, nc.nodeID)
}

// awaitNodeRegister blocks for the first frame, which must be a
// node_register message, registers the node, and acknowledges it.
func (in *Instance) awaitNodeRegister(ctx context.Context, conn *websocket.Conn) (*nodeConn, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := transport.DecodeNodeMessage(data)
	if err != nil {
		return nil, err
	}
	reg, ok := msg.(transport.NodeRegister)
	if !ok {
		return nil, errNotRegisterFrame
	}

	caps := convertCapabilities(reg.Capabilities)
	hw := model.Hardware{GPUs: reg.Hardware.GPUs}
	nodeID, _, err := in.registry.Register(ctx, "", caps, hw, reg.MaxConcurrency, !reg.AcceptPublicOnly)
	if err != nil {
		return nil, err
	}

	nc := &nodeConn{nodeID: nodeID, conn: conn}
	if err := nc.send(ctx, transport.NodeRegisterAck{Type: transport.TypeNodeRegisterAck, NodeID: nodeID}); err != nil {
		return nil, err
	}
	return nc, nil
}

// nodeReceiveLoop decodes and dispatches every subsequent frame from an
// already-registered node.
func (in *Instance) nodeReceiveLoop(ctx context.Context, conn *websocket.Conn, nodeID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := transport.DecodeNodeMessage(data)
		if err != nil {
			slog.Warn("node message decode failed", "node_id", nodeID, "err", err)
			continue
		}
		in.handleNodeMessage(ctx, nodeID, msg)
	}
}

func (in *Instance) handleNodeMessage(ctx context.Context, nodeID string, msg any) {
	switch m := msg.(type) {
	case transport.NodeHeartbeat:
		in.handleNodeHeartbeat(ctx, nodeID, m)
	case transport.JobAck:
		// Acknowledgement only; dispatch already marked the job
		// Assigned->Dispatched when the send succeeded.
	case transport.JobStarted:
		// Informational; no FSM transition required until job_result.
	case transport.JobResult:
		in.handleJobResult(nodeID, m)
	case transport.NodeASRPartial:
		in.handleNodeASRPartial(nodeID, m)
	case transport.ModelNotAvailable:
		in.handleModelNotAvailable(ctx, nodeID, m)
	case transport.NodeError:
		slog.Warn("node reported error", "node_id", nodeID, "code", m.Code, "message", m.Message)
	default:
		slog.Warn("unhandled node message", "node_id", nodeID, "type", fmt.Sprintf("%T", msg))
	}
}

func (in *Instance) handleNodeHeartbeat(ctx context.Context, nodeID string, hb transport.NodeHeartbeat) {
	hbIn := registry.HeartbeatInput{
		Utilization: model.Utilization{GPUPercent: hb.Utilization.GPUPercent},
	}
	for _, s := range hb.InstalledServices {
		hbIn.InstalledServices = append(hbIn.InstalledServices, model.InstalledService{
			Kind:   model.ServiceType(s.Kind),
			Status: model.ServiceRunStatus(s.Status),
		})
	}
	if hb.Capabilities != nil {
		caps := convertCapabilities(*hb.Capabilities)
		hbIn.Capabilities = &caps
	}
	if _, _, err := in.registry.Heartbeat(ctx, nodeID, hbIn); err != nil {
		slog.Warn("heartbeat processing failed", "node_id", nodeID, "err", err)
	}
}

// handleJobResult retires a finished job: loads its record, marks it
// completed, releases the node's reservation slot, advances the FSM
// shadow to finished, and publishes the translated result to every
// recipient session — the direct session plus any room-mode targets —
// mirroring the symmetric failure path in failover.Manager.exhaust.
func (in *Instance) handleJobResult(nodeID string, m transport.JobResult) {
	ctx := context.Background()
	job, ok, err := in.repo.Get(ctx, m.JobID)
	if err != nil {
		slog.Warn("job_result: load job", "job_id", m.JobID, "err", err)
		return
	}
	if !ok {
		slog.Warn("job_result: unknown job", "job_id", m.JobID, "node_id", nodeID)
		return
	}

	status := model.JobCompleted
	if m.TextTranslated == "" && m.TTSAudio == nil {
		status = model.JobCompletedNoText
	}
	job.Status = status
	if err := in.repo.Put(ctx, job); err != nil {
		slog.Warn("job_result: persist completed job", "job_id", job.JobID, "err", err)
	}
	if err := in.repo.Retire(ctx, job.JobID); err != nil {
		slog.Warn("job_result: retire job", "job_id", job.JobID, "err", err)
	}
	if err := in.store.ZRem(ctx, in.keys.NodeReserved(nodeID), job.JobID); err != nil {
		slog.Warn("job_result: release reservation", "job_id", job.JobID, "node_id", nodeID, "err", err)
	}
	if err := in.shadow.Transition(ctx, job.JobID, job.DispatchAttemptID, model.ShadowFinished); err != nil {
		slog.Warn("job_result: shadow transition", "job_id", job.JobID, "err", err)
	}

	result := model.JobResult{
		JobID:             job.JobID,
		SessionID:         job.SourceSession,
		UtteranceIndex:    job.UtteranceIndex,
		TextASR:           m.TextASR,
		TextTranslated:    m.TextTranslated,
		TTSAudio:          m.TTSAudio,
		TTSFormat:         m.AudioFormat,
	}
	if m.Extras != nil {
		result.Emotion = m.Extras.Emotion
		result.SpeechRate = m.Extras.SpeechRate
		result.ServiceTimingsMs = m.Extras.ServiceTimingsMs
		result.LangProbabilities = m.Extras.LanguageProbabilities
	}

	recipients := job.TargetSessions
	if len(recipients) == 0 {
		recipients = []string{job.SourceSession}
	}
	for _, sid := range recipients {
		result.SessionID = sid
		in.resultq.MarkReady(sid, job.UtteranceIndex, result)
	}

	in.metrics.RecordJobDispatched(ctx, string(status))
}

// handleNodeASRPartial forwards an interim recognition hypothesis to
// every session waiting on the job's utterance, without touching the
// job record or result queue — partials are best-effort and never
// retried.
func (in *Instance) handleNodeASRPartial(nodeID string, m transport.NodeASRPartial) {
	ctx := context.Background()
	job, ok, err := in.repo.Get(ctx, m.JobID)
	if err != nil || !ok {
		return
	}
	recipients := job.TargetSessions
	if len(recipients) == 0 {
		recipients = []string{job.SourceSession}
	}
	for _, sid := range recipients {
		cc, ok := in.hub.client(sid)
		if !ok {
			continue
		}
		_ = cc.send(ctx, transport.ASRPartial{
			Type:           transport.TypeASRPartial,
			SessionID:      sid,
			UtteranceIndex: job.UtteranceIndex,
			Text:           m.Text,
		})
	}
}

func (in *Instance) handleModelNotAvailable(ctx context.Context, nodeID string, m transport.ModelNotAvailable) {
	if err := in.avail.ReportUnavailable(ctx, nodeID, m.ServiceID, m.Version); err != nil {
		slog.Warn("model_not_available processing failed", "node_id", nodeID, "err", err)
		return
	}
	in.metrics.ModelNotAvailableReports.Add(ctx, 1)
}

func convertCapabilities(c transport.NodeCapabilities) model.LanguageCapabilities {
	rule := model.NMTAnyToAny
	if c.NMT.Rule == "fixed_pairs" {
		rule = model.NMTSpecificPairs
	}
	pairs := make(map[model.LangPair]struct{}, len(c.NMT.Pairs))
	for _, p := range c.NMT.Pairs {
		pairs[model.LangPair{Src: p[0], Tgt: p[1]}] = struct{}{}
	}
	return model.LanguageCapabilities{
		ASRLanguages: toSet(c.ASRLanguages),
		TTSLanguages: toSet(c.TTSLanguages),
		NMT: model.NMTCapability{
			Rule:      rule,
			Languages: toSet(c.NMT.Languages),
			Pairs:     pairs,
		},
	}
}

func toSet(langs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(langs))
	for _, l := range langs {
		set[l] = struct{}{}
	}
	return set
}

