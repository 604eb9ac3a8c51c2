package registry

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"
)

// ZooKeeperDirectory implements Directory on a ZooKeeper ensemble. Ephemeral
// nodes map to ZooKeeper ephemeral znodes bound to this connection's session.
type ZooKeeperDirectory struct {
	conn   *zk.Conn
	logger *zap.Logger
}

var _ Directory = (*ZooKeeperDirectory)(nil)

// zkLogger routes the zk client's Printf logging into zap.
type zkLogger struct {
	s *zap.SugaredLogger
}

func (l zkLogger) Printf(format string, args ...interface{}) {
	l.s.Debugf(format, args...)
}

// NewZooKeeperDirectory connects to servers with the given session timeout.
func NewZooKeeperDirectory(servers []string, sessionTimeout time.Duration, logger *zap.Logger) (*ZooKeeperDirectory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, events, err := zk.Connect(servers, sessionTimeout, zk.WithLogger(zkLogger{logger.Named("zk").Sugar()}))
	if err != nil {
		return nil, err
	}
	go func() {
		for ev := range events {
			if ev.Type == zk.EventSession {
				logger.Debug("zookeeper session event", zap.Stringer("state", ev.State))
			}
		}
	}()
	return &ZooKeeperDirectory{conn: conn, logger: logger}, nil
}

func (d *ZooKeeperDirectory) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, _, err := d.conn.Exists(path)
	return ok, err
}

func (d *ZooKeeperDirectory) CreateNode(ctx context.Context, path string, data []byte, mode CreateMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var flags int32
	if mode == Ephemeral {
		flags = zk.FlagEphemeral
	}
	_, err := d.conn.Create(path, data, flags, zk.WorldACL(zk.PermAll))
	return mapZKError(err)
}

func (d *ZooKeeperDirectory) Children(ctx context.Context, path string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	children, _, err := d.conn.Children(path)
	if err != nil {
		return nil, mapZKError(err)
	}
	sort.Strings(children)
	return children, nil
}

// WatchChildren re-arms a one-shot ChildrenW watch after every event.
func (d *ZooKeeperDirectory) WatchChildren(ctx context.Context, path string) (<-chan []string, error) {
	out := make(chan []string, 1)
	go func() {
		defer close(out)
		for {
			children, _, ev, err := d.conn.ChildrenW(path)
			if err != nil {
				if errors.Is(err, zk.ErrClosing) || errors.Is(err, zk.ErrConnectionClosed) {
					return
				}
				d.logger.Warn("zookeeper watch failed", zap.String("path", path), zap.Error(err))
				select {
				case <-time.After(time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}
			sort.Strings(children)
			select {
			case out <- children:
			case <-ctx.Done():
				return
			}
			select {
			case <-ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (d *ZooKeeperDirectory) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapZKError(d.conn.Delete(path, -1))
}

// Close ends the session; ZooKeeper drops this session's ephemeral nodes.
func (d *ZooKeeperDirectory) Close() error {
	d.conn.Close()
	return nil
}

func mapZKError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zk.ErrNodeExists):
		return ErrNodeExists
	case errors.Is(err, zk.ErrNoNode):
		return ErrNoNode
	case errors.Is(err, zk.ErrNotEmpty):
		return errNotEmpty
	}
	return err
}
