package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taglocator/gateway-server/internal/command"
	"taglocator/gateway-server/internal/metrics"
	"taglocator/gateway-server/internal/registry"
)

const testSecret = "s3cret"

type stubConn struct {
	id  string
	err error
}

func (c *stubConn) ID() string                                   { return c.id }
func (c *stubConn) RemoteAddr() string                           { return "" }
func (c *stubConn) Close() error                                 { return nil }
func (c *stubConn) Send(ctx context.Context, frame []byte) error { return c.err }

func newTestAPI(t *testing.T, conns map[string]error) *ControlAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	for gw, err := range conns {
		reg.Register(gw, &stubConn{id: gw, err: err}, time.Now())
	}
	svc := command.NewService(reg, logger, metrics.New(nil), time.Second)
	return NewControlAPI(testSecret, reg, svc, nil, logger)
}

func do(t *testing.T, h http.Handler, method, path, secret, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if secret != "" {
		req.Header.Set(SecretHeader, secret)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) command.Result {
	t.Helper()
	var res command.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func TestCommandFanOutPartialFailure(t *testing.T) {
	api := newTestAPI(t, map[string]error{
		"AA:00:00:00:00:01": nil,
		"AA:00:00:00:00:02": errors.New("reset by peer"),
		"AA:00:00:00:00:03": nil,
	})

	rec := do(t, api, http.MethodPost, "/command", testSecret,
		`{"gwMac":"all","companyId":"acme","command":"reboot"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	res := decodeResult(t, rec)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Success)
	assert.Equal(t, "acme", res.CompanyID)
	assert.Len(t, res.Results, 3)
}

func TestCommandAllTargetsFailed(t *testing.T) {
	api := newTestAPI(t, map[string]error{"AA:00:00:00:00:01": nil})

	rec := do(t, api, http.MethodPost, "/command", testSecret,
		`{"gwMac":"aa:00:00:00:00:09","companyId":"acme","command":"set_report_interval","payload":{"interval":60}}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	res := decodeResult(t, rec)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "AA:00:00:00:00:09", res.Results[0].GatewayID)
	assert.Equal(t, command.StatusNotConnected, res.Results[0].Status)
}

func TestCommandSingleTargetSucceeds(t *testing.T) {
	api := newTestAPI(t, map[string]error{"AA:00:00:00:00:01": nil})

	rec := do(t, api, http.MethodPost, "/command", testSecret,
		`{"gwMac":"AA:00:00:00:00:01","companyId":"acme","command":"set_ota_url","payload":{"url":"http://ota/fw.bin"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeResult(t, rec).Success)
}

func TestCommandAllWithNoGatewaysIsBadGateway(t *testing.T) {
	api := newTestAPI(t, nil)
	rec := do(t, api, http.MethodPost, "/command", testSecret, `{"gwMac":"ALL","companyId":"acme","command":"reboot"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCommandValidation(t *testing.T) {
	api := newTestAPI(t, map[string]error{"AA:00:00:00:00:01": nil})

	cases := map[string]string{
		"malformed json":  `{"gwMac":`,
		"missing gw":      `{"companyId":"acme","command":"reboot"}`,
		"missing company": `{"gwMac":"all","command":"reboot"}`,
		"missing command": `{"gwMac":"all","companyId":"acme"}`,
		"unknown command": `{"gwMac":"all","companyId":"acme","command":"format_disk"}`,
		"missing payload": `{"gwMac":"all","companyId":"acme","command":"set_ws_url"}`,
		"bad rssi":        `{"gwMac":"all","companyId":"acme","command":"set_rssi_filter","payload":{"rssi":-300}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := do(t, api, http.MethodPost, "/command", testSecret, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestAuthAndRouting(t *testing.T) {
	api := newTestAPI(t, nil)
	body := `{"gwMac":"all","companyId":"acme","command":"reboot"}`

	assert.Equal(t, http.StatusUnauthorized, do(t, api, http.MethodPost, "/command", "", body).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, api, http.MethodPost, "/command", "wrong", body).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, api, http.MethodGet, "/status", "", "").Code)

	assert.Equal(t, http.StatusNotFound, do(t, api, http.MethodGet, "/command", testSecret, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, api, http.MethodPost, "/status", testSecret, "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, api, http.MethodPost, "/commands", testSecret, body).Code)

	assert.Equal(t, http.StatusOK, do(t, api, http.MethodGet, "/healthz", "", "").Code)
	assert.Equal(t, http.StatusOK, do(t, api, http.MethodGet, "/readyz", "", "").Code)
}

func TestEmptySecretRejectsEverything(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	api := NewControlAPI("", reg, command.NewService(reg, logger, metrics.New(nil), 0), nil, logger)

	rec := do(t, api, http.MethodGet, "/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatusListsRegisteredGateways(t *testing.T) {
	api := newTestAPI(t, map[string]error{"AA:00:00:00:00:02": nil, "AA:00:00:00:00:01": nil})

	rec := do(t, api, http.MethodGet, "/status", testSecret, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Count)
	assert.Equal(t, []string{"AA:00:00:00:00:01", "AA:00:00:00:00:02"}, got.Gateways)
}

func TestStatusEmptyListIsArray(t *testing.T) {
	rec := do(t, newTestAPI(t, nil), http.MethodGet, "/status", testSecret, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":0,"gateways":[]}`, rec.Body.String())
}

func TestReadyzReportsDependencyFailure(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(logger)
	api := NewControlAPI(testSecret, reg, command.NewService(reg, logger, metrics.New(nil), 0),
		func(context.Context) error { return errors.New("database locked") }, logger)

	rec := do(t, api, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database locked")
}
