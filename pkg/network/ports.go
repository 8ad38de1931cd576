package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// PASV window constants. The passive-FTP companion window for an FTP control
// port sits in [pasvBase, pasvCeiling) and is pasvWindow ports wide.
const (
	ftpBase     = 21000
	pasvBase    = 21100
	pasvCeiling = 22000
	pasvWindow  = 10
)

// Registry reports ports already recorded in the cluster store. A port is
// only free when the OS can bind it and no cluster row claims it.
type Registry interface {
	PortsInUse(ctx context.Context) (map[int]bool, error)
}

// Allocator reserves unused TCP ports for application and FTP endpoints.
// Reservations are transient: once handed out, a port is remembered until
// Release so two concurrent creations cannot collide before the first row
// is persisted.
type Allocator struct {
	registry Registry

	appMin, appMax int
	ftpMin, ftpMax int

	mu       sync.Mutex
	reserved map[int]bool
}

// Config bounds the allocator's ranges.
type Config struct {
	AppMin, AppMax int
	FTPMin, FTPMax int
}

// NewAllocator creates a port allocator drawing from the configured ranges.
func NewAllocator(registry Registry, cfg Config) *Allocator {
	return &Allocator{
		registry: registry,
		appMin:   cfg.AppMin,
		appMax:   cfg.AppMax,
		ftpMin:   cfg.FTPMin,
		ftpMax:   cfg.FTPMax,
		reserved: make(map[int]bool),
	}
}

// NextApplicationPort reserves the next free application port.
func (a *Allocator) NextApplicationPort(ctx context.Context) (uint16, error) {
	return a.next(ctx, a.appMin, a.appMax)
}

// NextFTPPort reserves the next free FTP control port.
func (a *Allocator) NextFTPPort(ctx context.Context) (uint16, error) {
	return a.next(ctx, a.ftpMin, a.ftpMax)
}

func (a *Allocator) next(ctx context.Context, min, max int) (uint16, error) {
	inUse, err := a.registry.PortsInUse(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load ports in use: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for port := min; port <= max; port++ {
		if a.reserved[port] || inUse[port] {
			continue
		}
		if !bindable(port) {
			continue
		}
		a.reserved[port] = true
		return uint16(port), nil
	}

	return 0, fmt.Errorf("no free port in range %d-%d", min, max)
}

// Release drops a transient reservation. Call it after the cluster row is
// persisted (the store becomes the record) or when creation fails.
func (a *Allocator) Release(port uint16) {
	a.mu.Lock()
	delete(a.reserved, int(port))
	a.mu.Unlock()
}

// IsFree reports whether a port is both OS-bindable and absent from the
// cluster store.
func (a *Allocator) IsFree(ctx context.Context, port int) (bool, error) {
	inUse, err := a.registry.PortsInUse(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to load ports in use: %w", err)
	}
	if inUse[port] {
		return false, nil
	}

	a.mu.Lock()
	reserved := a.reserved[port]
	a.mu.Unlock()
	if reserved {
		return false, nil
	}

	return bindable(port), nil
}

// PassiveRange computes the 10-port passive-FTP window for an FTP control
// port: the window starts at 21100 + 10·(port − 21000), wraps to stay below
// 22000, and advances by 10 until a window is entirely OS-free.
func PassiveRange(ftpPort uint16) (int, int, error) {
	start := pasvBase + pasvWindow*(int(ftpPort)-ftpBase)
	span := pasvCeiling - pasvBase

	for attempt := 0; attempt < span/pasvWindow; attempt++ {
		lo := pasvBase + (start-pasvBase+attempt*pasvWindow)%span
		if windowFree(lo, lo+pasvWindow-1) {
			return lo, lo + pasvWindow - 1, nil
		}
	}

	return 0, 0, fmt.Errorf("no free passive window for ftp port %d", ftpPort)
}

// PassiveWindowStart returns the deterministic window start for a control
// port, before any OS-occupancy probing.
func PassiveWindowStart(ftpPort uint16) int {
	start := pasvBase + pasvWindow*(int(ftpPort)-ftpBase)
	span := pasvCeiling - pasvBase
	return pasvBase + (start-pasvBase)%span
}

// WindowFree reports whether every port in [lo, hi] is OS-bindable.
func WindowFree(lo, hi int) bool {
	return windowFree(lo, hi)
}

func windowFree(lo, hi int) bool {
	for p := lo; p <= hi; p++ {
		if !bindable(p) {
			return false
		}
	}
	return true
}

func bindable(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
