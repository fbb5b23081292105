package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"

	"github.com/zero-day-ai/stratagem/internal/types"
)

// Etcd modes.
const (
	ModeEmbedded = "embedded"
	ModeExternal = "external"
)

// EtcdConfig configures the etcd connection used for worker announcements.
type EtcdConfig struct {
	Mode          string
	Endpoints     []string
	DataDir       string
	ListenAddress string
	Namespace     string
	TTL           int // lease TTL in seconds
	DialTimeout   time.Duration
}

func (c *EtcdConfig) setDefaults() {
	if c.Mode == "" {
		c.Mode = ModeEmbedded
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(os.TempDir(), "stratagem-etcd")
	}
	if c.ListenAddress == "" {
		c.ListenAddress = "localhost:2379"
	}
	if c.Namespace == "" {
		c.Namespace = "stratagem"
	}
	if c.TTL <= 0 {
		c.TTL = 15
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// workerKey builds the etcd key of a worker announcement:
//
//	/{namespace}/workers/{worker-id}
func workerKey(namespace, workerID string) string {
	return path.Join("/", namespace, "workers", workerID)
}

// workersPrefix is the prefix of every worker announcement. The trailing slash
// keeps a namespace from matching another that shares its leading characters.
func workersPrefix(namespace string) string {
	return path.Join("/", namespace, "workers") + "/"
}

// Discovery owns the etcd client and, in embedded mode, the in-process etcd
// server.
type Discovery struct {
	cfg    EtcdConfig
	server *embed.Etcd
	client *clientv3.Client
	logger *slog.Logger
}

// NewDiscovery connects to etcd according to cfg. In embedded mode an etcd
// server is started in-process and persists to cfg.DataDir; in external mode at
// least one endpoint must answer a status request.
func NewDiscovery(cfg EtcdConfig, logger *slog.Logger) (*Discovery, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discovery{cfg: cfg, logger: logger.With("component", "etcd", "mode", cfg.Mode)}

	switch cfg.Mode {
	case ModeEmbedded:
		if err := d.startEmbedded(); err != nil {
			return nil, err
		}
	case ModeExternal:
		if err := d.connectExternal(); err != nil {
			return nil, err
		}
	default:
		return nil, types.NewError(types.INVALID_ARGUMENT, fmt.Sprintf("unknown etcd mode %q", cfg.Mode))
	}
	return d, nil
}

func (d *Discovery) startEmbedded() error {
	cfg := d.cfg
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create etcd data dir: %w", err)
	}

	etcdCfg := embed.NewConfig()
	etcdCfg.Dir = cfg.DataDir
	etcdCfg.LogLevel = "error"

	host, port := cfg.ListenAddress, "2379"
	if idx := strings.LastIndex(cfg.ListenAddress, ":"); idx != -1 {
		host = cfg.ListenAddress[:idx]
		port = cfg.ListenAddress[idx+1:]
	}
	clientPort, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("invalid etcd listen port %q: %w", port, err)
	}
	// The peer listener takes the port after the client port.
	clientURLStr := fmt.Sprintf("http://%s:%d", host, clientPort)
	peerURLStr := fmt.Sprintf("http://%s:%d", host, clientPort+1)

	clientURL, err := url.Parse(clientURLStr)
	if err != nil {
		return fmt.Errorf("failed to parse client URL: %w", err)
	}
	peerURL, err := url.Parse(peerURLStr)
	if err != nil {
		return fmt.Errorf("failed to parse peer URL: %w", err)
	}

	etcdCfg.ListenClientUrls = []url.URL{*clientURL}
	etcdCfg.AdvertiseClientUrls = []url.URL{*clientURL}
	etcdCfg.ListenPeerUrls = []url.URL{*peerURL}
	etcdCfg.AdvertisePeerUrls = []url.URL{*peerURL}
	etcdCfg.InitialCluster = fmt.Sprintf("%s=%s", etcdCfg.Name, peerURLStr)

	e, err := embed.StartEtcd(etcdCfg)
	if err != nil {
		return fmt.Errorf("failed to start embedded etcd: %w", err)
	}

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(10 * time.Second):
		e.Close()
		return fmt.Errorf("embedded etcd failed to start within 10 seconds")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{clientURLStr},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		e.Close()
		return fmt.Errorf("failed to create etcd client: %w", err)
	}

	d.server = e
	d.client = client
	d.logger.Info("embedded etcd started", "client_url", clientURLStr, "data_dir", cfg.DataDir)
	return nil
}

func (d *Discovery) connectExternal() error {
	if len(d.cfg.Endpoints) == 0 {
		return types.NewError(types.INVALID_ARGUMENT, "external etcd requires at least one endpoint")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   d.cfg.Endpoints,
		DialTimeout: d.cfg.DialTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DialTimeout)
	defer cancel()

	var lastErr error
	for _, endpoint := range d.cfg.Endpoints {
		_, err := client.Status(ctx, endpoint)
		if err == nil {
			d.client = client
			d.logger.Info("connected to etcd", "endpoints", d.cfg.Endpoints)
			return nil
		}
		lastErr = err
	}
	client.Close()
	return fmt.Errorf("cannot connect to any etcd endpoint (tried %v): %w", d.cfg.Endpoints, lastErr)
}

// Client returns the etcd client.
func (d *Discovery) Client() *clientv3.Client {
	return d.client
}

// Namespace returns the key namespace.
func (d *Discovery) Namespace() string {
	return d.cfg.Namespace
}

// TTL returns the announcement lease TTL.
func (d *Discovery) TTL() time.Duration {
	return time.Duration(d.cfg.TTL) * time.Second
}

// Close closes the client and stops the embedded server, if any.
func (d *Discovery) Close() error {
	var errs []error
	if d.client != nil {
		if err := d.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close etcd client: %w", err))
		}
	}
	if d.server != nil {
		d.server.Close()
		select {
		case <-d.server.Server.StopNotify():
		case <-time.After(5 * time.Second):
			errs = append(errs, fmt.Errorf("embedded etcd failed to stop within 5 seconds"))
		}
	}
	return errors.Join(errs...)
}

// Announcer publishes worker registrations in etcd under a TTL lease that is
// kept alive in the background. When the process dies the lease expires and the
// announcement disappears, which watchers treat as the worker leaving.
type Announcer struct {
	client    *clientv3.Client
	namespace string
	ttl       int64
	logger    *slog.Logger

	mu       sync.Mutex
	leases   map[string]clientv3.LeaseID // worker id -> lease id
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewAnnouncer creates an announcer on an open discovery connection.
func NewAnnouncer(d *Discovery) *Announcer {
	return &Announcer{
		client:    d.client,
		namespace: d.cfg.Namespace,
		ttl:       int64(d.cfg.TTL),
		logger:    d.logger.With("role", "announcer"),
		leases:    make(map[string]clientv3.LeaseID),
		stopChan:  make(chan struct{}),
	}
}

// Announce writes the registration under a new lease and keeps the lease alive.
func (a *Announcer) Announce(ctx context.Context, reg Registration) error {
	if reg.ID == "" {
		return types.NewError(types.INVALID_ARGUMENT, "worker id is required")
	}
	reg.Source = SourceEtcd
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}

	lease, err := a.client.Grant(ctx, a.ttl)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}
	if _, err := a.client.Put(ctx, workerKey(a.namespace, reg.ID), string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to announce worker: %w", err)
	}

	a.mu.Lock()
	previous, had := a.leases[reg.ID]
	a.leases[reg.ID] = lease.ID
	a.mu.Unlock()
	if had {
		// The key is now attached to the new lease; the old one only keeps itself.
		if _, err := a.client.Revoke(ctx, previous); err != nil {
			a.logger.Warn("failed to revoke previous lease", "worker_id", reg.ID, "error", err)
		}
	}

	a.wg.Add(1)
	go a.keepAlive(reg.ID, lease.ID)
	return nil
}

// Withdraw revokes a worker's lease, which deletes its announcement.
func (a *Announcer) Withdraw(ctx context.Context, workerID string) error {
	a.mu.Lock()
	leaseID, ok := a.leases[workerID]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	delete(a.leases, workerID)
	a.mu.Unlock()

	if _, err := a.client.Revoke(ctx, leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}

func (a *Announcer) keepAlive(workerID string, leaseID clientv3.LeaseID) {
	defer a.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keepAliveChan, err := a.client.KeepAlive(ctx, leaseID)
	if err != nil {
		a.logger.Warn("lease keepalive failed", "worker_id", workerID, "error", err)
		return
	}

	for {
		select {
		case <-a.stopChan:
			return
		case ka, ok := <-keepAliveChan:
			if !ok || ka == nil {
				a.mu.Lock()
				if a.leases[workerID] == leaseID {
					delete(a.leases, workerID)
				}
				a.mu.Unlock()
				return
			}
		}
	}
}

// Close stops every keepalive. Announcements expire with their leases.
func (a *Announcer) Close() error {
	close(a.stopChan)
	a.wg.Wait()
	return nil
}

// Sink receives worker announcements mirrored from etcd.
type Sink interface {
	RegisterWorker(ctx context.Context, reg Registration) (Worker, error)
	DeregisterWorker(ctx context.Context, workerID string) error
}

// Watcher mirrors etcd worker announcements into a Sink. Presence of the key is
// the liveness signal: every refresh re-registers the announced workers, which
// counts as a heartbeat, and a deleted or expired key deregisters the worker.
type Watcher struct {
	client    *clientv3.Client
	namespace string
	sink      Sink
	refresh   time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	known map[string]struct{}
}

// NewWatcher creates a watcher. refresh defaults to a third of the lease TTL.
func NewWatcher(d *Discovery, sink Sink, refresh time.Duration) *Watcher {
	if refresh <= 0 {
		refresh = d.TTL() / 3
	}
	return &Watcher{
		client:    d.client,
		namespace: d.cfg.Namespace,
		sink:      sink,
		refresh:   refresh,
		logger:    d.logger.With("role", "watcher"),
		known:     make(map[string]struct{}),
	}
}

// Run mirrors announcements until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	rev, err := w.sync(ctx)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(w.refresh)
	defer ticker.Stop()

	watchCh := w.client.Watch(ctx, workersPrefix(w.namespace), clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.sync(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("worker resync failed", "error", err)
			}
		case resp, ok := <-watchCh:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				// Watch closed underneath us (compaction or reconnect); resync and rewatch.
				rev, err := w.sync(ctx)
				if err != nil {
					return err
				}
				watchCh = w.client.Watch(ctx, workersPrefix(w.namespace), clientv3.WithPrefix(), clientv3.WithRev(rev+1))
				continue
			}
			if err := resp.Err(); err != nil {
				w.logger.Warn("watch error", "error", err)
				continue
			}
			for _, ev := range resp.Events {
				switch ev.Type {
				case clientv3.EventTypePut:
					w.put(ctx, ev.Kv.Value)
				case clientv3.EventTypeDelete:
					w.remove(ctx, path.Base(string(ev.Kv.Key)))
				}
			}
		}
	}
}

// sync lists every announcement, registers present workers and deregisters
// known workers whose keys are gone. It returns the revision of the listing.
func (w *Watcher) sync(ctx context.Context) (int64, error) {
	resp, err := w.client.Get(ctx, workersPrefix(w.namespace), clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("failed to list workers: %w", err)
	}

	present := make(map[string]struct{}, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if id := w.put(ctx, kv.Value); id != "" {
			present[id] = struct{}{}
		}
	}

	w.mu.Lock()
	var gone []string
	for id := range w.known {
		if _, ok := present[id]; !ok {
			gone = append(gone, id)
		}
	}
	w.mu.Unlock()
	for _, id := range gone {
		w.remove(ctx, id)
	}
	return resp.Header.Revision, nil
}

func (w *Watcher) put(ctx context.Context, value []byte) string {
	var reg Registration
	if err := json.Unmarshal(value, &reg); err != nil || reg.ID == "" {
		w.logger.Warn("skipping invalid worker announcement", "error", err)
		return ""
	}
	reg.Source = SourceEtcd
	if _, err := w.sink.RegisterWorker(ctx, reg); err != nil {
		w.logger.Warn("failed to register announced worker", "worker_id", reg.ID, "error", err)
		return ""
	}
	w.mu.Lock()
	w.known[reg.ID] = struct{}{}
	w.mu.Unlock()
	return reg.ID
}

func (w *Watcher) remove(ctx context.Context, workerID string) {
	w.mu.Lock()
	delete(w.known, workerID)
	w.mu.Unlock()

	err := w.sink.DeregisterWorker(ctx, workerID)
	if err != nil && !types.HasCode(err, types.NOT_FOUND) {
		w.logger.Warn("failed to deregister withdrawn worker", "worker_id", workerID, "error", err)
	}
}
