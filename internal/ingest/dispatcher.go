// Package ingest routes gateway frames to the identity and tag sample handlers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taglocator/gateway-server/internal/metrics"
	"taglocator/gateway-server/internal/model"
	"taglocator/gateway-server/internal/protocol"
	"taglocator/gateway-server/internal/registry"
	"taglocator/gateway-server/internal/store"
)

// Store is the persistence the handlers need.
type Store interface {
	EnsureTenant(ctx context.Context, companyID, name string) error
	InsertGateway(ctx context.Context, companyID, gwID, name string) error
	UpsertGatewayStatus(ctx context.Context, companyID string, st model.GatewayStatus) error
	SetGatewayDisconnected(ctx context.Context, companyID, gwID string, at time.Time) error
	LookupTag(ctx context.Context, companyID, tagID string) (model.Tag, error)
	InsertSensingSample(ctx context.Context, companyID string, sample model.TagSample) error
}

// TenantResolver maps a gateway id to its tenant.
type TenantResolver interface {
	Resolve(ctx context.Context, gwID string) (string, error)
}

// Locator applies a tenant's location policy to a persisted sample.
type Locator interface {
	Apply(ctx context.Context, companyID string, tag model.Tag, sample model.TagSample) error
}

// Conn is a gateway connection that remembers which gateway it registered as.
type Conn interface {
	registry.Conn
	GatewayID() string
	SetGatewayID(gwID string)
}

// Options tunes the dispatcher.
type Options struct {
	HandlerTimeout time.Duration
	SendTimeout    time.Duration
}

// Dispatcher handles frames for every connection. Calls for a single
// connection must be serialized by the caller.
type Dispatcher struct {
	store    Store
	resolver TenantResolver
	locator  Locator
	registry *registry.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	opts     Options
	now      func() time.Time
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(st Store, resolver TenantResolver, locator Locator, reg *registry.Registry, logger *slog.Logger, m *metrics.Metrics, opts Options) *Dispatcher {
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 5 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	return &Dispatcher{
		store:    st,
		resolver: resolver,
		locator:  locator,
		registry: reg,
		logger:   logger,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
	}
}

// Connected greets a new connection with an identity request.
func (d *Dispatcher) Connected(ctx context.Context, conn Conn) error {
	return d.send(ctx, conn, protocol.IdentityRequest())
}

// HandleFrame processes one inbound frame. Malformed frames and telemetry that
// cannot be attributed are dropped without error; store failures are returned.
func (d *Dispatcher) HandleFrame(ctx context.Context, conn Conn, frame []byte) error {
	hdr, err := protocol.ParseHeader(frame)
	if err != nil {
		d.drop("short_header", "frame shorter than header", "conn", conn.ID(), "len", len(frame))
		return nil
	}
	if !protocol.IsValidFrame(hdr.FrameType, hdr.Direction) {
		d.drop("invalid_header", "invalid frame header", "conn", conn.ID(),
			"type", hdr.FrameType, "direction", hdr.Direction)
		return nil
	}

	d.metrics.FramesReceived.WithLabelValues(protocol.TypeName(hdr.FrameType)).Inc()

	ctx, cancel := context.WithTimeout(ctx, d.opts.HandlerTimeout)
	defer cancel()

	switch {
	case hdr.FrameType == protocol.TypeIdentity:
		if !protocol.IsIdentityReply(hdr) {
			d.logger.Debug("ignoring identity frame direction", "conn", conn.ID(), "direction", hdr.Direction)
			return nil
		}
		err = d.handleIdentity(ctx, conn, frame)
		if err != nil {
			d.metrics.HandlerErrors.WithLabelValues("identity").Inc()
		}
	case hdr.FrameType == protocol.TypeTagData:
		err = d.handleSample(ctx, conn, frame)
		if err != nil {
			d.metrics.HandlerErrors.WithLabelValues("tag_data").Inc()
		}
	case protocol.IsCommandAck(hdr.FrameType):
		d.logger.Info("command acknowledged", "gw", conn.GatewayID(), "command", protocol.TypeName(hdr.FrameType),
			"direction", hdr.Direction)
	default:
		d.logger.Debug("unhandled frame type", "gw", conn.GatewayID(), "type", protocol.TypeName(hdr.FrameType))
	}
	return err
}

func (d *Dispatcher) handleIdentity(ctx context.Context, conn Conn, frame []byte) error {
	ident, err := protocol.DecodeGatewayIdentity(frame)
	if err != nil {
		d.drop("malformed", "identity decode failed", "conn", conn.ID(), "error", err)
		return nil
	}

	now := d.now().UTC()
	gwID := ident.GatewayID

	if prev := conn.GatewayID(); prev != "" && prev != gwID {
		d.logger.Warn("connection changed gateway id", "conn", conn.ID(), "old", prev, "new", gwID)
		d.registry.Remove(prev, conn)
	}
	conn.SetGatewayID(gwID)
	d.registry.Register(gwID, conn, now)

	companyID, err := d.resolver.Resolve(ctx, gwID)
	if err != nil {
		return fmt.Errorf("identity %s: %w", gwID, err)
	}

	if companyID == model.UnregisteredTenant {
		if err := d.store.EnsureTenant(ctx, model.UnregisteredTenant, "Unregistered gateways"); err != nil {
			return fmt.Errorf("identity %s: %w", gwID, err)
		}
		if err := d.store.InsertGateway(ctx, model.UnregisteredTenant, gwID, DisplayName(gwID)); err != nil {
			return fmt.Errorf("identity %s: %w", gwID, err)
		}
	}

	status := model.GatewayStatus{
		GatewayIdentity: ident,
		RemoteAddr:      conn.RemoteAddr(),
		Connected:       true,
		ConnectedAt:     now,
		UpdatedAt:       now,
	}
	if err := d.store.UpsertGatewayStatus(ctx, companyID, status); err != nil {
		return fmt.Errorf("identity %s: %w", gwID, err)
	}

	d.logger.Info("gateway registered", "gw", gwID, "tenant", companyID, "fw", ident.FirmwareVersion,
		"hw", ident.HardwareVersion, "remote", conn.RemoteAddr())

	return d.send(ctx, conn, protocol.IdentityAck())
}

func (d *Dispatcher) handleSample(ctx context.Context, conn Conn, frame []byte) error {
	sample, err := protocol.DecodeTagSample(frame)
	if err != nil {
		d.drop("malformed", "tag sample decode failed", "conn", conn.ID(), "error", err)
		return nil
	}
	sample.SensedAt = d.now().UTC()

	companyID, err := d.resolver.Resolve(ctx, sample.GatewayID)
	if err != nil {
		return fmt.Errorf("sample %s: %w", sample.TagID, err)
	}
	if companyID == model.UnregisteredTenant {
		d.drop("unregistered_gateway", "sample from unregistered gateway", "gw", sample.GatewayID, "tag", sample.TagID)
		return d.send(ctx, conn, protocol.TagDataAck())
	}

	tag, err := d.store.LookupTag(ctx, companyID, sample.TagID)
	if errors.Is(err, store.ErrNotFound) {
		d.drop("unregistered_tag", "sample for unregistered tag", "gw", sample.GatewayID, "tag", sample.TagID, "tenant", companyID)
		return d.send(ctx, conn, protocol.TagDataAck())
	}
	if err != nil {
		return fmt.Errorf("sample %s: %w", sample.TagID, err)
	}

	if err := d.store.InsertSensingSample(ctx, companyID, sample); err != nil {
		return fmt.Errorf("sample %s: %w", sample.TagID, err)
	}
	d.metrics.SamplesPersisted.Inc()

	if err := d.locator.Apply(ctx, companyID, tag, sample); err != nil {
		return fmt.Errorf("locate %s: %w", sample.TagID, err)
	}

	d.logger.Debug("tag sample ingested", "gw", sample.GatewayID, "tag", sample.TagID, "rssi", sample.RSSI,
		"temp", sample.TemperatureC.StringFixed(2), "volt", sample.VoltageV.StringFixed(2))

	return d.send(ctx, conn, protocol.TagDataAck())
}

// Disconnected releases the connection's registry entry if it still holds one
// and marks the gateway offline.
func (d *Dispatcher) Disconnected(ctx context.Context, conn Conn) error {
	gwID := conn.GatewayID()
	if gwID == "" {
		return nil
	}
	if !d.registry.Remove(gwID, conn) {
		d.logger.Debug("stale connection closed", "gw", gwID, "conn", conn.ID())
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.HandlerTimeout)
	defer cancel()

	companyID, err := d.resolver.Resolve(ctx, gwID)
	if err != nil {
		return fmt.Errorf("disconnect %s: %w", gwID, err)
	}
	if err := d.store.SetGatewayDisconnected(ctx, companyID, gwID, d.now().UTC()); err != nil {
		return fmt.Errorf("disconnect %s: %w", gwID, err)
	}

	d.logger.Info("gateway disconnected", "gw", gwID, "tenant", companyID)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, conn Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	if err := conn.Send(ctx, frame); err != nil {
		return fmt.Errorf("send %s: %w", protocol.TypeName(frame[0]), err)
	}
	return nil
}

func (d *Dispatcher) drop(reason, msg string, args ...any) {
	d.metrics.FramesDropped.WithLabelValues(reason).Inc()
	d.logger.Debug(msg, args...)
}

// DisplayName is the name given to a gateway registered automatically.
func DisplayName(gwID string) string {
	hex := strings.ReplaceAll(gwID, ":", "")
	if len(hex) > 6 {
		hex = hex[len(hex)-6:]
	}
	return "GW-" + hex
}
