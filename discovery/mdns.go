// Package discovery finds ledger RPC endpoints announced over mDNS and lets a
// node operator announce one.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_memochat-rpc._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background scan interval.
	DefaultRefreshInterval = 30 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

// ErrNoEndpoint is returned by Lookup when nothing answered in time.
var ErrNoEndpoint = errors.New("discovery: no ledger RPC endpoint found")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertising and scanning.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	// Network is the ledger network (mainnet, testnet). Scans skip endpoints
	// announcing a different one; empty accepts any.
	Network string

	// Advertising only.
	InstanceName string
	Port         int
	TLS          bool

	registerFn registerFunc
	browseFn   browseFunc
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
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.InstanceName) == "" {
		return errors.New("instance name is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("port must be in 1..65535")
	}
	return nil
}

func (c Config) browser() (browseFunc, error) {
	if c.browseFn != nil {
		return c.browseFn, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mDNS resolver: %w", err)
	}
	return resolver.Browse, nil
}

// Advertiser announces a local ledger RPC endpoint via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// StartAdvertiser registers the endpoint and starts answering queries.
func StartAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	txt := []string{
		"version=" + strconv.Itoa(cfg.Version),
		"tls=" + strconv.FormatBool(cfg.TLS),
	}
	if cfg.Network != "" {
		txt = append(txt, "network="+cfg.Network)
	}

	server, err := cfg.registerFn(cfg.InstanceName, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Advertiser{server: server}, nil
}

// Stop stops advertising.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Lookup runs a single scan and returns the first matching endpoint by name.
func Lookup(ctx context.Context, config Config) (Endpoint, error) {
	cfg := config.withDefaults()
	browse, err := cfg.browser()
	if err != nil {
		return Endpoint{}, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	found, err := collect(scanCtx, cfg, browse)
	if err != nil {
		return Endpoint{}, err
	}
	if err := ctx.Err(); err != nil {
		return Endpoint{}, err
	}

	endpoints := sortedEndpoints(found)
	if len(endpoints) == 0 {
		return Endpoint{}, ErrNoEndpoint
	}
	return endpoints[0], nil
}
