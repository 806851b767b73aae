// Package discovery advertises the chat endpoint on the local network.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_zipchat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

// Config controls the advertisement.
type Config struct {
	Service string
	Domain  string
	Version int

	InstanceName string
	Port         int
	// WSPath is published so clients can build the websocket URL.
	WSPath string
	// KeyFingerprint identifies the token signing key, when one is configured.
	KeyFingerprint string

	registerFn registerFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.WSPath == "" {
		out.WSPath = "/ws"
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.InstanceName) == "" {
		return errors.New("instance name is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("websocket path %q must start with /", c.WSPath)
	}
	return nil
}

func (c Config) txtRecords() []string {
	txt := []string{
		"version=" + strconv.Itoa(c.Version),
		"path=" + c.WSPath,
	}
	if c.KeyFingerprint != "" {
		txt = append(txt, "key_fingerprint="+c.KeyFingerprint)
	}
	return txt
}

// Advertiser publishes the websocket endpoint via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the service and starts answering queries.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.Port, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// PortFromAddress extracts the numeric port from a listen address such as ":8080".
func PortFromAddress(addr string) (int, error) {
	_, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("listen address %q has no usable port", addr)
	}
	return port, nil
}
