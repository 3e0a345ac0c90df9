package daemon

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tracecast/tracecast/internal/config"
	"github.com/tracecast/tracecast/internal/protocol"
	"github.com/tracecast/tracecast/internal/store"
	"github.com/tracecast/tracecast/internal/tunnel"
	"github.com/tracecast/tracecast/internal/web"
)

// DefaultStartTimeout bounds how long StartShare waits for a tunnel to
// produce a public URL. Longer than the providers' own timeouts, so a
// provider error surfaces before this fires.
const DefaultStartTimeout = 60 * time.Second

// runningShare pairs the live processes behind an active share.
type runningShare struct {
	info   protocol.ShareInfo
	web    *web.Server
	tunnel *tunnel.Handle
}

// Shares owns every live share in the daemon. All state transitions go
// through here so the store and the running processes never disagree for
// longer than a single method call.
type Shares struct {
	store        *store.Store
	cfg          *config.Config
	logger       *slog.Logger
	startTimeout time.Duration

	// newProvider is swapped out in tests.
	newProvider func(name string) (tunnel.Provider, error)

	mu       sync.RWMutex
	running  map[protocol.ShareID]*runningShare
	starting int
}

// NewShares creates the share orchestrator.
func NewShares(st *store.Store, cfg *config.Config, logger *slog.Logger) *Shares {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Shares{
		store:        st,
		cfg:          cfg,
		logger:       logger,
		startTimeout: DefaultStartTimeout,
		newProvider: func(name string) (tunnel.Provider, error) {
			return tunnel.ByName(name, tunnel.Options{NgrokToken: cfg.NgrokToken})
		},
		running: make(map[protocol.ShareID]*runningShare),
	}
}

// StartShare brings up a render server and a tunnel for the given transcript
// and returns the share once its public URL is known. The capacity check
// happens before any side effect, so a rejected request leaves no record.
func (o *Shares) StartShare(sessionPath, providerName string) (protocol.ShareInfo, error) {
	sessionPath, err := filepath.Abs(sessionPath)
	if err != nil {
		return protocol.ShareInfo{}, err
	}
	if _, err := os.Stat(sessionPath); err != nil {
		return protocol.ShareInfo{}, fmt.Errorf("session file: %w", err)
	}

	if providerName == "" {
		providerName = o.cfg.DefaultProvider
	}
	if providerName == "" {
		providerName = "cloudflare"
	}
	provider, err := o.newProvider(providerName)
	if err != nil {
		return protocol.ShareInfo{}, err
	}

	if err := o.reserve(); err != nil {
		return protocol.ShareInfo{}, err
	}

	rs, err := o.startShare(sessionPath, provider)

	o.mu.Lock()
	o.starting--
	if err == nil {
		o.running[rs.info.ID] = rs
	}
	o.mu.Unlock()
	if err != nil {
		return protocol.ShareInfo{}, err
	}
	return rs.info, nil
}

// reserve claims a capacity slot for a share that is about to start.
func (o *Shares) reserve() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	limit := o.cfg.EffectiveMaxShares()
	if len(o.running)+o.starting >= limit {
		return fmt.Errorf("share limit reached (%d active)", limit)
	}
	o.starting++
	return nil
}

func (o *Shares) startShare(sessionPath string, provider tunnel.Provider) (*runningShare, error) {
	srv, err := web.New(sessionPath, o.logger)
	if err != nil {
		return nil, err
	}

	id := protocol.NewShareID()
	info := protocol.ShareInfo{
		ID:           id,
		SessionPath:  sessionPath,
		SessionName:  sessionName(srv, sessionPath),
		ProviderName: provider.Name(),
		StartedAt:    time.Now().UTC(),
		Status:       protocol.StatusStarting,
	}
	if err := o.store.InsertShare(info); err != nil {
		return nil, err
	}

	port, err := srv.Start(o.cfg.EffectivePort(0))
	if err != nil {
		o.markError(id, err)
		return nil, err
	}
	info.LocalPort = port
	if err := o.store.UpdateSharePort(id, port); err != nil {
		srv.Stop()
		o.markError(id, err)
		return nil, err
	}

	handle, err := o.spawnTunnel(provider, port)
	if err != nil {
		srv.Stop()
		o.markError(id, err)
		return nil, err
	}

	info.PublicURL = handle.URL
	info.Status = protocol.StatusActive
	if err := o.store.UpdateShareURL(id, handle.URL); err == nil {
		err = o.store.UpdateShareStatus(id, protocol.StatusActive)
	}
	if err != nil {
		handle.Stop()
		srv.Stop()
		o.markError(id, err)
		return nil, err
	}

	o.logger.Info("share started",
		"share_id", id.String(),
		"session", sessionPath,
		"provider", provider.Name(),
		"port", port,
		"url", handle.URL)
	return &runningShare{info: info, web: srv, tunnel: handle}, nil
}

// spawnTunnel runs the provider spawn under the orchestrator timeout. A
// handle that arrives after the timeout is stopped, not leaked.
func (o *Shares) spawnTunnel(provider tunnel.Provider, port int) (*tunnel.Handle, error) {
	type result struct {
		handle *tunnel.Handle
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		h, err := provider.Spawn(port)
		ch <- result{h, err}
	}()

	select {
	case res := <-ch:
		return res.handle, res.err
	case <-time.After(o.startTimeout):
		go func() {
			if res := <-ch; res.handle != nil {
				res.handle.Stop()
			}
		}()
		return nil, fmt.Errorf("tunnel %s not ready within %s", provider.Name(), o.startTimeout)
	}
}

func (o *Shares) markError(id protocol.ShareID, cause error) {
	o.logger.Error("share failed", "share_id", id.String(), "error", cause)
	if err := o.store.UpdateShareStatus(id, protocol.StatusError); err != nil {
		o.logger.Error("record share failure", "share_id", id.String(), "error", err)
	}
}

// StopShare tears down a running share. Stopping a share that already
// reached a terminal state is a no-op; only an unknown ID is an error. A
// non-terminal record with no live processes is left over from an earlier
// daemon and gets settled to stopped on the spot.
func (o *Shares) StopShare(id protocol.ShareID) error {
	o.mu.Lock()
	rs, ok := o.running[id]
	if ok {
		delete(o.running, id)
	}
	o.mu.Unlock()

	if ok {
		var errs []string
		if rs.tunnel != nil {
			if err := rs.tunnel.Stop(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if rs.web != nil {
			if err := rs.web.Stop(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := o.store.UpdateShareStatus(id, protocol.StatusStopped); err != nil {
			errs = append(errs, err.Error())
		}
		o.logger.Info("share stopped", "share_id", id.String())
		if len(errs) > 0 {
			return fmt.Errorf("stop share %s: %s", id, strings.Join(errs, "; "))
		}
		return nil
	}

	info, err := o.store.GetShare(id)
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("unknown share %s", id)
	}
	if !info.Status.Terminal() {
		return o.store.UpdateShareStatus(id, protocol.StatusStopped)
	}
	return nil
}

// ListShares returns every recorded share, newest first.
func (o *Shares) ListShares() ([]protocol.ShareInfo, error) {
	return o.store.ListShares()
}

// ActiveCount reports how many shares currently have live processes.
func (o *Shares) ActiveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.running)
}

// RestoreOnStartup reconciles records left behind by a previous daemon. Any
// share still marked starting or active has lost its processes and is moved
// to error. Returns how many records were reconciled.
func (o *Shares) RestoreOnStartup() (int, error) {
	shares, err := o.store.ListShares()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range shares {
		if s.Status.Terminal() {
			continue
		}
		if err := o.store.UpdateShareStatus(s.ID, protocol.StatusError); err != nil {
			return n, err
		}
		o.logger.Warn("orphaned share marked as error", "share_id", s.ID.String())
		n++
	}
	return n, nil
}

// CleanupOldShares deletes terminal records older than the retention window.
func (o *Shares) CleanupOldShares() (int, error) {
	shares, err := o.store.ListShares()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-time.Duration(o.cfg.EffectiveRetentionHours()) * time.Hour)
	n := 0
	for _, s := range shares {
		if !s.Status.Terminal() || !s.StartedAt.Before(cutoff) {
			continue
		}
		if err := o.store.DeleteShare(s.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		o.logger.Info("cleaned up old shares", "count", n)
	}
	return n, nil
}

// StopAll stops every running share. Used during daemon shutdown.
func (o *Shares) StopAll() {
	o.mu.Lock()
	ids := make([]protocol.ShareID, 0, len(o.running))
	for id := range o.running {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.StopShare(id); err != nil {
			o.logger.Error("stop share during shutdown", "share_id", id.String(), "error", err)
		}
	}
}

func sessionName(srv *web.Server, path string) string {
	if s := srv.Session(); s != nil {
		if title := s.Title(); title != "" {
			return title
		}
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
