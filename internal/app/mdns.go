package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"

	"taglocator/gateway-server/internal/config"
)

const (
	mdnsServiceType = "_taglocator-gw._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the gateway endpoint so gateways on the LAN can find it.
func (a *App) startMDNS() error {
	port, err := config.Port(a.cfg.GatewayBind)
	if err != nil {
		return err
	}
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "taglocator"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("TagLocator Gateway Server (%s)", hostname))
	txt := mdnsTXT(a.cfg, sanitizeMDNSHost(hostname))

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func mdnsTXT(cfg config.Config, hostLabel string) []string {
	hostFQDN := hostLabel
	if !strings.Contains(hostFQDN, ".") {
		hostFQDN = hostLabel + ".local"
	}
	txt := []string{
		"path=" + cfg.GatewayPath,
		"proto=ws",
		"frame=v1",
		"host=" + hostFQDN,
	}
	if port, err := config.Port(cfg.ControlBind); err == nil {
		txt = append(txt, fmt.Sprintf("control_port=%d", port))
	}
	return txt
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ").Replace(cleaned)
	if cleaned == "" {
		cleaned = "TagLocator Gateway Server"
	}
	// instance labels are limited to 63 characters
	if runes := []rune(cleaned); len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}

func sanitizeMDNSHost(name string) string {
	cleaned := strings.TrimSpace(strings.ToLower(name))
	cleaned = strings.NewReplacer(" ", "-", "_", "-", "\n", "", "\r", "").Replace(cleaned)
	if cleaned == "" {
		cleaned = "taglocator"
	}
	if runes := []rune(cleaned); len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}
