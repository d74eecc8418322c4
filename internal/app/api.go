package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"taglocator/gateway-server/internal/command"
	"taglocator/gateway-server/internal/protocol"
)

// SecretHeader carries the control API shared secret.
const SecretHeader = "X-Control-Secret"

const maxCommandBody = 64 << 10

// GatewayLister reports the gateways with a live connection.
type GatewayLister interface {
	GatewayIDs() []string
}

// CommandExecutor runs an operator command.
type CommandExecutor interface {
	Execute(ctx context.Context, req command.Request) (command.Result, error)
}

// ControlAPI serves the operator endpoints.
type ControlAPI struct {
	secret   []byte
	gateways GatewayLister
	commands CommandExecutor
	ready    func(ctx context.Context) error
	logger   *slog.Logger
}

// NewControlAPI builds the handler. An empty secret rejects every
// authenticated request. ready may be nil.
func NewControlAPI(secret string, gateways GatewayLister, commands CommandExecutor, ready func(context.Context) error, logger *slog.Logger) *ControlAPI {
	return &ControlAPI{
		secret:   []byte(secret),
		gateways: gateways,
		commands: commands,
		ready:    ready,
		logger:   logger,
	}
}

type commandRequest struct {
	GatewayID string         `json:"gwMac"`
	CompanyID string         `json:"companyId"`
	Command   string         `json:"command"`
	Payload   map[string]any `json:"payload"`
}

type statusResponse struct {
	Count    int      `json:"count"`
	Gateways []string `json:"gateways"`
}

// ServeHTTP routes on exact method and path; anything else is a 404.
func (c *ControlAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/command":
		c.handleCommand(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/status":
		c.handleStatus(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/healthz":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.Method == http.MethodGet && r.URL.Path == "/readyz":
		c.handleReadyz(w, r)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (c *ControlAPI) authorized(r *http.Request) bool {
	if len(c.secret) == 0 {
		return false
	}
	got := r.Header.Get(SecretHeader)
	return subtle.ConstantTimeCompare([]byte(got), c.secret) == 1
}

func (c *ControlAPI) handleCommand(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r) {
		c.logger.Warn("control request rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req commandRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.GatewayID = strings.TrimSpace(req.GatewayID)
	req.CompanyID = strings.TrimSpace(req.CompanyID)
	req.Command = strings.TrimSpace(req.Command)

	var missing []string
	if req.GatewayID == "" {
		missing = append(missing, "gwMac")
	}
	if req.CompanyID == "" {
		missing = append(missing, "companyId")
	}
	if req.Command == "" {
		missing = append(missing, "command")
	}
	if len(missing) > 0 {
		writeError(w, http.StatusBadRequest, "missing required fields: "+strings.Join(missing, ", "))
		return
	}

	gwID := strings.ToUpper(req.GatewayID)
	if strings.EqualFold(gwID, command.AllGateways) {
		gwID = command.AllGateways
	}

	res, err := c.commands.Execute(r.Context(), command.Request{
		GatewayID: gwID,
		CompanyID: req.CompanyID,
		Command:   protocol.CommandKind(req.Command),
		Payload:   req.Payload,
	})
	switch {
	case errors.Is(err, command.ErrUnknownCommand), errors.Is(err, command.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		c.logger.Error("command failed", "command", req.Command, "error", err)
		writeError(w, http.StatusInternalServerError, "command failed")
		return
	}

	status := http.StatusOK
	if !res.AnySent() {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, res)
}

func (c *ControlAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ids := c.gateways.GatewayIDs()
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, statusResponse{Count: len(ids), Gateways: ids})
}

func (c *ControlAPI) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if c.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := c.ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
