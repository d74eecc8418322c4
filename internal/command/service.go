// Package command fans operator commands out to connected gateways.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"taglocator/gateway-server/internal/metrics"
	"taglocator/gateway-server/internal/protocol"
	"taglocator/gateway-server/internal/registry"
)

// AllGateways targets every registered connection.
const AllGateways = "all"

// DefaultSendTimeout bounds each per-target send.
const DefaultSendTimeout = 5 * time.Second

var (
	// ErrUnknownCommand is returned for a command kind the protocol lacks.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidPayload is returned when the payload cannot be encoded.
	ErrInvalidPayload = errors.New("invalid payload")
)

// Status is the outcome for one target.
type Status string

const (
	StatusSent         Status = "sent"
	StatusNotConnected Status = "not_connected"
	StatusSendFailed   Status = "send_failed"
)

// Connections is the registry view the service reads.
type Connections interface {
	Lookup(gwID string) (registry.Entry, bool)
	Snapshot() []registry.Entry
}

// Request is one operator command.
type Request struct {
	GatewayID string
	CompanyID string
	Command   protocol.CommandKind
	Payload   map[string]any
}

// TargetResult records what happened for one gateway.
type TargetResult struct {
	GatewayID string `json:"gwMac"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Result aggregates a fan-out.
type Result struct {
	RequestID string         `json:"requestId"`
	CompanyID string         `json:"companyId"`
	Command   string         `json:"command"`
	Success   bool           `json:"success"`
	Sent      int            `json:"sent"`
	Failed    int            `json:"failed"`
	Results   []TargetResult `json:"results"`
}

// AnySent reports whether at least one target received the frame.
func (r Result) AnySent() bool { return r.Sent > 0 }

// Service sends command frames to live connections.
type Service struct {
	conns       Connections
	logger      *slog.Logger
	metrics     *metrics.Metrics
	sendTimeout time.Duration
}

// NewService constructs a service. A non-positive sendTimeout selects DefaultSendTimeout.
func NewService(conns Connections, logger *slog.Logger, m *metrics.Metrics, sendTimeout time.Duration) *Service {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Service{conns: conns, logger: logger, metrics: m, sendTimeout: sendTimeout}
}

// Execute validates req, builds its frame and sends it to every target
// concurrently. Validation errors are returned before any gateway is contacted.
func (s *Service) Execute(ctx context.Context, req Request) (Result, error) {
	if !protocol.KnownCommand(req.Command) {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownCommand, req.Command)
	}
	frame := protocol.BuildCommand(req.Command, req.Payload)
	if frame == nil {
		return Result{}, fmt.Errorf("%w for %s", ErrInvalidPayload, req.Command)
	}

	res := Result{
		RequestID: uuid.NewString(),
		CompanyID: req.CompanyID,
		Command:   string(req.Command),
	}

	targets := s.targets(req.GatewayID)
	res.Results = make([]TargetResult, len(targets))

	var wg sync.WaitGroup
	for i, t := range targets {
		if t.conn == nil {
			res.Results[i] = TargetResult{GatewayID: t.gwID, Status: StatusNotConnected, Error: "gateway not connected"}
			continue
		}
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			res.Results[i] = s.sendOne(ctx, t, frame)
		}(i, t)
	}
	wg.Wait()

	for _, r := range res.Results {
		s.metrics.CommandTargets.WithLabelValues(res.Command, string(r.Status)).Inc()
		if r.Status == StatusSent {
			res.Sent++
		} else {
			res.Failed++
		}
	}
	res.Success = len(res.Results) > 0 && res.Failed == 0

	s.logger.Info("command dispatched", "request", res.RequestID, "tenant", res.CompanyID, "command", res.Command,
		"target", req.GatewayID, "sent", res.Sent, "failed", res.Failed)
	return res, nil
}

type target struct {
	gwID string
	conn registry.Conn
}

func (s *Service) targets(gwID string) []target {
	if gwID == AllGateways {
		entries := s.conns.Snapshot()
		out := make([]target, len(entries))
		for i, e := range entries {
			out[i] = target{gwID: e.GatewayID, conn: e.Conn}
		}
		return out
	}
	e, ok := s.conns.Lookup(gwID)
	if !ok {
		return []target{{gwID: gwID}}
	}
	return []target{{gwID: gwID, conn: e.Conn}}
}

// sendOne gives up after the send timeout even if the connection ignores ctx.
func (s *Service) sendOne(ctx context.Context, t target, frame []byte) TargetResult {
	ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("send panic: %v", r)
			}
		}()
		done <- t.conn.Send(ctx, frame)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("send timed out: %w", ctx.Err())
	}

	if err != nil {
		s.logger.Warn("command send failed", "gw", t.gwID, "error", err)
		return TargetResult{GatewayID: t.gwID, Status: StatusSendFailed, Error: err.Error()}
	}
	return TargetResult{GatewayID: t.gwID, Status: StatusSent}
}
