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
	DefaultService = "_rgtp._udp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background surface discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the intended mDNS record TTL in seconds.
	DefaultTTL = 120
	// hashPrefixLen is how many hex characters of the content hash the
	// TXT record carries; enough to pick a surface, not to verify it.
	hashPrefixLen = 16
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Announcement describes one exposed surface for the TXT record.
type Announcement struct {
	SessionID  uint32
	TotalSize  uint64
	ChunkCount uint32
	// ContentHash is the hex digest of the payload; only a prefix is
	// published.
	ContentHash string
	// Name is the human-readable instance name shown to browsers.
	Name string
	// Port the surface is pullable on.
	Port int
}

// Config controls mDNS announcer and scanner behavior.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32

	// SelfNodeID filters our own announcements out of scan results.
	SelfNodeID string

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
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAnnounce(a Announcement) error {
	if strings.TrimSpace(c.SelfNodeID) == "" {
		return errors.New("node ID is required")
	}
	if a.SessionID == 0 {
		return errors.New("announcement session ID is required")
	}
	if a.Port <= 0 {
		return errors.New("announcement port must be > 0")
	}
	return nil
}

func (c Config) validateForScan() error {
	if strings.TrimSpace(c.SelfNodeID) == "" {
		return errors.New("node ID is required")
	}
	return nil
}

// Announcer advertises one exposed surface via mDNS.
type Announcer struct {
	server *zeroconf.Server
}

// StartAnnouncer registers and starts the mDNS announcement for a
// surface.
func StartAnnouncer(config Config, a Announcement) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAnnounce(a); err != nil {
		return nil, err
	}

	hash := a.ContentHash
	if len(hash) > hashPrefixLen {
		hash = hash[:hashPrefixLen]
	}
	txt := []string{
		"node_id=" + cfg.SelfNodeID,
		fmt.Sprintf("session_id=%08x", a.SessionID),
		"size=" + strconv.FormatUint(a.TotalSize, 10),
		"chunks=" + strconv.FormatUint(uint64(a.ChunkCount), 10),
		"hash=" + hash,
		"version=" + strconv.Itoa(cfg.Version),
	}

	name := strings.TrimSpace(a.Name)
	if name == "" {
		name = fmt.Sprintf("surface-%08x", a.SessionID)
	}

	server, err := cfg.registerFn(name, cfg.Service, cfg.Domain, a.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Announcer{server: server}, nil
}

// Stop withdraws the announcement.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Service coordinates announcing one surface and scanning for others.
type Service struct {
	Announcer *Announcer
	Scanner   *SurfaceScanner
}

// Start announces a surface and starts scanning, using one config.
func Start(config Config, a Announcement) (*Service, error) {
	cfg := config.withDefaults()

	announcer, err := StartAnnouncer(cfg, a)
	if err != nil {
		return nil, err
	}

	scanner, err := NewSurfaceScanner(cfg)
	if err != nil {
		announcer.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		announcer.Stop()
		return nil, err
	}

	return &Service{
		Announcer: announcer,
		Scanner:   scanner,
	}, nil
}

// Stop stops the scanner and withdraws the announcement.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Announcer != nil {
		s.Announcer.Stop()
	}
}
