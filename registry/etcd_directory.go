package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// EtcdDirectory implements Directory on etcd v3.
//
// etcd has a flat keyspace, so a node is a key and its children are the keys
// one path segment below it. Ephemeral nodes are attached to a single session
// lease that this directory keeps alive; if the process dies the lease expires
// and etcd removes the keys.
type EtcdDirectory struct {
	client *clientv3.Client
	ttl    int64
	logger *zap.Logger

	mu              sync.Mutex
	lease           clientv3.LeaseID
	cancelKeepAlive context.CancelFunc
}

var _ Directory = (*EtcdDirectory)(nil)

// EtcdOption configures an EtcdDirectory.
type EtcdOption func(*etcdOptions)

type etcdOptions struct {
	dialTimeout time.Duration
	ttl         int64
	logger      *zap.Logger
}

// EtcdDialTimeout bounds the initial connection. Defaults to 5s.
func EtcdDialTimeout(d time.Duration) EtcdOption {
	return func(o *etcdOptions) { o.dialTimeout = d }
}

// EtcdSessionTTL sets the session lease TTL in seconds. Defaults to 10.
func EtcdSessionTTL(seconds int64) EtcdOption {
	return func(o *etcdOptions) { o.ttl = seconds }
}

// EtcdLogger sets the logger. Defaults to a no-op logger.
func EtcdLogger(logger *zap.Logger) EtcdOption {
	return func(o *etcdOptions) { o.logger = logger }
}

// NewEtcdDirectory connects to the given etcd endpoints.
func NewEtcdDirectory(endpoints []string, opts ...EtcdOption) (*EtcdDirectory, error) {
	o := etcdOptions{dialTimeout: 5 * time.Second, ttl: 10, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: o.dialTimeout,
		Logger:      o.logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdDirectory{client: c, ttl: o.ttl, logger: o.logger}, nil
}

func (d *EtcdDirectory) Exists(ctx context.Context, path string) (bool, error) {
	resp, err := d.client.Get(ctx, path, clientv3.WithCountOnly())
	if err != nil {
		return false, err
	}
	return resp.Count > 0, nil
}

// CreateNode puts path only if it has never been created, in a single transaction.
func (d *EtcdDirectory) CreateNode(ctx context.Context, path string, data []byte, mode CreateMode) error {
	var opts []clientv3.OpOption
	if mode == Ephemeral {
		lease, err := d.sessionLease(ctx)
		if err != nil {
			return err
		}
		opts = append(opts, clientv3.WithLease(lease))
	}

	resp, err := d.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, string(data), opts...)).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return ErrNodeExists
	}
	return nil
}

// sessionLease grants the session lease on first use and keeps it alive in the background.
// If the keep-alive stream ends the lease is forgotten so the next ephemeral
// node starts a new session.
func (d *EtcdDirectory) sessionLease(ctx context.Context) (clientv3.LeaseID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lease != 0 {
		return d.lease, nil
	}

	grant, err := d.client.Grant(ctx, d.ttl)
	if err != nil {
		return 0, err
	}
	kctx, cancel := context.WithCancel(context.Background())
	ch, err := d.client.KeepAlive(kctx, grant.ID)
	if err != nil {
		cancel()
		return 0, err
	}

	id := grant.ID
	go func() {
		for range ch {
		}
		d.mu.Lock()
		if d.lease == id {
			d.lease = 0
		}
		d.mu.Unlock()
		d.logger.Warn("etcd session lease keep-alive stopped", zap.Int64("lease", int64(id)))
	}()

	d.lease = id
	d.cancelKeepAlive = cancel
	return id, nil
}

func (d *EtcdDirectory) Children(ctx context.Context, path string) ([]string, error) {
	prefix := strings.TrimSuffix(path, "/") + "/"
	resp, err := d.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}

	children := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		children = append(children, rest)
	}
	if len(children) == 0 {
		exists, err := d.Exists(ctx, path)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNoNode
		}
	}
	sort.Strings(children)
	return children, nil
}

// WatchChildren uses etcd's server-push Watch on the child prefix and re-lists
// the children on every event batch.
func (d *EtcdDirectory) WatchChildren(ctx context.Context, path string) (<-chan []string, error) {
	prefix := strings.TrimSuffix(path, "/") + "/"
	// Start watching before the first listing so no change falls in between.
	watchChan := d.client.Watch(ctx, prefix, clientv3.WithPrefix())

	initial, err := d.Children(ctx, path)
	if err != nil && err != ErrNoNode {
		return nil, err
	}

	out := make(chan []string, 1)
	out <- initial
	go func() {
		defer close(out)
		for wresp := range watchChan {
			if err := wresp.Err(); err != nil {
				d.logger.Warn("etcd watch error", zap.String("path", path), zap.Error(err))
				continue
			}
			children, err := d.Children(ctx, path)
			if err != nil && err != ErrNoNode {
				d.logger.Warn("etcd relist failed", zap.String("path", path), zap.Error(err))
				continue
			}
			select {
			case out <- children:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (d *EtcdDirectory) Delete(ctx context.Context, path string) error {
	resp, err := d.client.Delete(ctx, path)
	if err != nil {
		return err
	}
	if resp.Deleted == 0 {
		return ErrNoNode
	}
	return nil
}

// Close revokes the session lease so ephemeral nodes disappear immediately,
// then closes the client.
func (d *EtcdDirectory) Close() error {
	d.mu.Lock()
	lease, cancel := d.lease, d.cancelKeepAlive
	d.lease = 0
	d.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
	}
	if lease != 0 {
		ctx, done := context.WithTimeout(context.Background(), time.Second)
		_, revokeErr := d.client.Revoke(ctx, lease)
		done()
		err = multierr.Append(err, revokeErr)
	}
	return multierr.Append(err, d.client.Close())
}
