package discovery

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"memochat/logging"
)

const (
	// EventEndpointUpserted is emitted when an endpoint appears or changes.
	EventEndpointUpserted EventType = "endpoint_upserted"
	// EventEndpointRemoved is emitted when a previously seen endpoint disappears.
	EventEndpointRemoved EventType = "endpoint_removed"
)

// EventType identifies discovery updates.
type EventType string

// Event is one difference between two consecutive scans.
type Event struct {
	Type     EventType
	Endpoint Endpoint
}

// Endpoint is a ledger RPC endpoint announced on the LAN.
type Endpoint struct {
	Instance  string
	Network   string
	Version   int
	TLS       bool
	HostName  string
	Port      int
	Addresses []string
	LastSeen  time.Time
}

// Key identifies an endpoint across scans.
func (e Endpoint) Key() string {
	return e.Instance + "@" + e.HostName + ":" + strconv.Itoa(e.Port)
}

// URL returns the RPC URL of the endpoint, preferring an IPv4 address.
func (e Endpoint) URL() string {
	scheme := "http"
	if e.TLS {
		scheme = "https"
	}
	host := strings.TrimSuffix(e.HostName, ".")
	if len(e.Addresses) > 0 {
		host = e.Addresses[0]
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(e.Port))
}

// Watcher keeps the set of announced endpoints current. Scan runs one
// browse window; Run repeats it every RefreshInterval.
type Watcher struct {
	cfg    Config
	browse browseFunc
	logger *slog.Logger

	mu      sync.RWMutex
	current map[string]Endpoint
}

// NewWatcher creates a watcher with config defaults applied.
func NewWatcher(config Config, logger *slog.Logger) (*Watcher, error) {
	cfg := config.withDefaults()
	browse, err := cfg.browser()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		cfg:     cfg,
		browse:  browse,
		logger:  logging.OrDefault(logger),
		current: make(map[string]Endpoint),
	}, nil
}

// Endpoints returns the endpoints seen by the last scan, ordered by instance name.
func (w *Watcher) Endpoints() []Endpoint {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return sortedEndpoints(w.current)
}

// Scan browses for one ScanTimeout window, replaces the endpoint set and
// returns what changed since the previous scan.
func (w *Watcher) Scan(ctx context.Context) ([]Event, error) {
	scanCtx, cancel := context.WithTimeout(ctx, w.cfg.ScanTimeout)
	defer cancel()

	next, err := collect(scanCtx, w.cfg, w.browse)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	events := diffEndpoints(w.current, next)
	w.current = next
	return events, nil
}

// Run scans immediately and then every RefreshInterval until ctx ends,
// passing each change to onChange. A failed scan is logged and retried on
// the next tick.
func (w *Watcher) Run(ctx context.Context, onChange func(Event)) error {
	ticker := time.NewTicker(w.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		events, err := w.Scan(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			w.logger.Warn("discovery: scan failed", "service", w.cfg.Service, "error", err)
		}
		for _, event := range events {
			onChange(event)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// collect browses until ctx ends and returns every acceptable endpoint seen.
func collect(ctx context.Context, cfg Config, browse browseFunc) (map[string]Endpoint, error) {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	found := make(map[string]Endpoint)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				if endpoint, ok := parseEntry(entry, cfg); ok {
					endpoint.LastSeen = time.Now()
					found[endpoint.Key()] = endpoint
				}
			}
		}
	}()

	// A browse ending with the scan window is a normal outcome.
	if err := browse(ctx, cfg.Service, cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	<-ctx.Done()
	<-done
	return found, nil
}

// diffEndpoints lists upserts and removals from previous to next, ordered
// by instance name.
func diffEndpoints(previous, next map[string]Endpoint) []Event {
	var events []Event
	for _, endpoint := range sortedEndpoints(next) {
		old, ok := previous[endpoint.Key()]
		if !ok || !sameAnnouncement(old, endpoint) {
			events = append(events, Event{Type: EventEndpointUpserted, Endpoint: endpoint})
		}
	}
	for _, endpoint := range sortedEndpoints(previous) {
		if _, ok := next[endpoint.Key()]; !ok {
			events = append(events, Event{Type: EventEndpointRemoved, Endpoint: endpoint})
		}
	}
	return events
}

func sameAnnouncement(a, b Endpoint) bool {
	return a.Key() == b.Key() &&
		a.Network == b.Network &&
		a.Version == b.Version &&
		a.TLS == b.TLS &&
		slices.Equal(a.Addresses, b.Addresses)
}

func parseEntry(entry *zeroconf.ServiceEntry, cfg Config) (Endpoint, bool) {
	if entry.Port <= 0 {
		return Endpoint{}, false
	}
	txt := txtRecords(entry.Text)

	version, _ := strconv.Atoi(txt["version"])
	if version != cfg.Version {
		return Endpoint{}, false
	}
	network := txt["network"]
	if cfg.Network != "" && network != cfg.Network {
		return Endpoint{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		if s := ip.String(); !slices.Contains(addresses, s) {
			addresses = append(addresses, s)
		}
	}
	if len(addresses) == 0 && entry.HostName == "" {
		return Endpoint{}, false
	}
	// IPv4 first, then lexical.
	slices.SortStableFunc(addresses, func(a, b string) int {
		av4 := net.ParseIP(a).To4() != nil
		bv4 := net.ParseIP(b).To4() != nil
		switch {
		case av4 && !bv4:
			return -1
		case bv4 && !av4:
			return 1
		default:
			return strings.Compare(a, b)
		}
	})

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	tls, _ := strconv.ParseBool(txt["tls"])

	return Endpoint{
		Instance:  name,
		Network:   network,
		Version:   version,
		TLS:       tls,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
	}, true
}

func sortedEndpoints(m map[string]Endpoint) []Endpoint {
	out := make([]Endpoint, 0, len(m))
	for _, endpoint := range m {
		out = append(out, endpoint)
	}
	slices.SortFunc(out, func(a, b Endpoint) int {
		if c := strings.Compare(a.Instance, b.Instance); c != 0 {
			return c
		}
		return strings.Compare(a.Key(), b.Key())
	})
	return out
}

func txtRecords(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, record := range text {
		key, value, ok := strings.Cut(record, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// Follower keeps one chosen endpoint and moves to another announced one
// when the chosen endpoint disappears or changes address.
type Follower struct {
	watcher  *Watcher
	key      string
	url      string
	onSwitch func(Endpoint)
}

// NewFollower starts following initial. onSwitch runs on the goroutine
// calling Handle.
func NewFollower(watcher *Watcher, initial Endpoint, onSwitch func(Endpoint)) *Follower {
	return &Follower{
		watcher:  watcher,
		key:      initial.Key(),
		url:      initial.URL(),
		onSwitch: onSwitch,
	}
}

// Handle applies one watcher event. Pass it as the Run callback.
func (f *Follower) Handle(event Event) {
	switch event.Type {
	case EventEndpointUpserted:
		if f.key == "" || event.Endpoint.Key() == f.key {
			f.switchTo(event.Endpoint)
		}
	case EventEndpointRemoved:
		if event.Endpoint.Key() != f.key {
			return
		}
		f.key = ""
		if remaining := f.watcher.Endpoints(); len(remaining) > 0 {
			f.switchTo(remaining[0])
		}
	}
}

func (f *Follower) switchTo(endpoint Endpoint) {
	f.key = endpoint.Key()
	if endpoint.URL() == f.url {
		return
	}
	f.url = endpoint.URL()
	f.onSwitch(endpoint)
}
