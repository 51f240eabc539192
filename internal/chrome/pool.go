package chrome

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"imgsvc/internal/utils"
)

// ErrPoolDisabled is returned by NewPool when the configured pool size is
// zero or negative. Callers then fall back to one browser per request.
var ErrPoolDisabled = errors.New("chrome pool disabled")

// ErrPoolClosed is returned by Acquire and Restart after Close.
var ErrPoolClosed = errors.New("chrome pool closed")

// Tab is a page context borrowed from the pool.
type Tab struct {
	Ctx    context.Context
	cancel context.CancelFunc
}

// Pool keeps one warm Chrome process and hands out up to N concurrent tabs.
// The zero value is unusable; construct with NewPool.
type Pool struct {
	mu  sync.Mutex
	cfg utils.Config

	sem        chan struct{}
	profileDir string

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	closed      bool
	restarts    int
	lastRestart time.Time
}

// Stats is a snapshot of pool state for the observability endpoint.
type Stats struct {
	Enabled      bool
	Capacity     int
	Idle         int
	InUse        int
	PoolSizeConf int
	ProfileDir   string
	Restarts     int
	LastRestart  string
}

// NewPool starts a shared Chrome allocator sized to cfg.Capture.ChromePoolSize.
// The browser process itself starts lazily on the first tab run.
func NewPool(cfg utils.Config) (*Pool, error) {
	size := cfg.Capture.ChromePoolSize
	if size <= 0 {
		return nil, ErrPoolDisabled
	}

	p := &Pool{cfg: cfg, sem: make(chan struct{}, size)}
	if err := p.start(); err != nil {
		return nil, err
	}
	for i := 0; i < size; i++ {
		p.sem <- struct{}{}
	}
	return p, nil
}

// start creates the profile dir and browser contexts. Caller holds no lock
// during NewPool; Restart calls it with p.mu held.
func (p *Pool) start() error {
	dir, err := CreateProfileDir(p.cfg)
	if err != nil {
		return err
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(p.cfg, dir)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	p.profileDir = dir
	p.allocCancel = allocCancel
	p.browserCtx = browserCtx
	p.browserCancel = browserCancel
	return nil
}

func (p *Pool) stop() {
	if p.browserCancel != nil {
		p.browserCancel()
		p.browserCancel = nil
	}
	if p.allocCancel != nil {
		p.allocCancel()
		p.allocCancel = nil
	}
	if p.profileDir != "" {
		if err := os.RemoveAll(p.profileDir); err != nil {
			utils.Warn("Failed to remove chrome profile dir", "dir", p.profileDir, "error", err)
		}
	}
}

// Acquire borrows a tab, waiting until one is idle or ctx expires.
func (p *Pool) Acquire(ctx context.Context) (*Tab, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	browserCtx := p.browserCtx
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.sem:
	}

	tabCtx, cancel := chromedp.NewContext(browserCtx)
	return &Tab{Ctx: tabCtx, cancel: cancel}, nil
}

// Release returns the tab's slot to the pool. The tab context is always
// dropped; pages are not reused across requests.
func (p *Pool) Release(tab *Tab, renderErr error) {
	if tab != nil && tab.cancel != nil {
		tab.cancel()
	}
	select {
	case p.sem <- struct{}{}:
	default:
	}
	if renderErr != nil && IsSessionInterrupted(renderErr) {
		utils.Warn("Released tab after interrupted session", "error", renderErr.Error())
	}
}

// Restart tears the shared browser down and brings a fresh one up. Slots in
// flight are reclaimed; callers holding tabs will see session errors.
func (p *Pool) Restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.stop()
	if err := p.start(); err != nil {
		return err
	}

	// Refill all slots.
	for len(p.sem) > 0 {
		<-p.sem
	}
	for i := 0; i < cap(p.sem); i++ {
		p.sem <- struct{}{}
	}

	p.restarts++
	p.lastRestart = time.Now()
	return nil
}

// Close shuts the pool down. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.stop()
}

// Stats reports a point-in-time snapshot.
func (p *Pool) Stats(timeoutSecs int) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Enabled:      !p.closed && cap(p.sem) > 0,
		Capacity:     cap(p.sem),
		Idle:         len(p.sem),
		PoolSizeConf: p.cfg.Capture.ChromePoolSize,
		ProfileDir:   p.profileDir,
		Restarts:     p.restarts,
	}
	s.InUse = s.Capacity - s.Idle
	if !p.lastRestart.IsZero() {
		s.LastRestart = p.lastRestart.Format(time.RFC3339)
	}
	return s
}

// IsSessionInterrupted reports whether err looks like the browser went away
// mid-render rather than the page itself failing.
func IsSessionInterrupted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, marker := range []string{"target closed", "session closed", "browser closed", "websocket: close"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
