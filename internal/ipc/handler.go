package ipc

import (
	"context"
	"time"

	"keyguard/internal/detector"
	"keyguard/internal/journal"
)

// DaemonHandlerConfig wires the daemon state the handler reports.
type DaemonHandlerConfig struct {
	Version   string
	SessionID string
	StartedAt time.Time

	// Snapshot returns the current engine state.
	Snapshot func() detector.Snapshot

	// Source describes the key source.
	Source func() string

	// NotifyDropped reports records the notifier dropped.
	NotifyDropped func() uint64

	// Journal is optional; incident queries fail without it.
	Journal *journal.Store
}

// DaemonHandler answers status and journal queries.
type DaemonHandler struct {
	cfg DaemonHandlerConfig
	now func() time.Time
}

// NewDaemonHandler creates a handler.
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	return &DaemonHandler{cfg: cfg, now: time.Now}
}

// HandleMessage implements Handler.
func (h *DaemonHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(msg)
	case MsgIncidentsRequest:
		return h.handleIncidents(msg)
	default:
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "unknown message type "+msg.Header.Type.String()), nil
	}
}

func (h *DaemonHandler) handleStatus(msg *Message) (*Message, error) {
	resp := &StatusResponse{
		Version:   h.cfg.Version,
		SessionID: h.cfg.SessionID,
		StartedAt: h.cfg.StartedAt,
		Uptime:    h.now().Sub(h.cfg.StartedAt),
	}
	if h.cfg.Snapshot != nil {
		resp.Engine = h.cfg.Snapshot()
	}
	if h.cfg.Source != nil {
		resp.Source = h.cfg.Source()
	}
	if h.cfg.NotifyDropped != nil {
		resp.NotifyDropped = h.cfg.NotifyDropped()
	}
	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleIncidents(msg *Message) (*Message, error) {
	if h.cfg.Journal == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotInitialized, "journal disabled"), nil
	}

	var req IncidentsRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid incidents request"), nil
		}
	}
	if req.Limit < 0 {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "limit must not be negative"), nil
	}

	incidents, err := h.cfg.Journal.Recent(req.Limit)
	if err != nil {
		return nil, err
	}
	counts, err := h.cfg.Journal.Counts()
	if err != nil {
		return nil, err
	}
	return NewResponse(MsgIncidentsResponse, msg.Header.RequestID, &IncidentsResponse{
		SessionID: h.cfg.Journal.SessionID(),
		Counts:    counts,
		Incidents: incidents,
	})
}
