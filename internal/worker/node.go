package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ChuLiYu/calcnode/internal/logging"
	"github.com/ChuLiYu/calcnode/internal/protocol"
	"github.com/ChuLiYu/calcnode/pkg/types"
)

// NodeConfig configures a calculation node.
type NodeConfig struct {
	NodeID            string        // defaults to a random UUID
	Capacity          int           // concurrent jobs, also the worker count
	JobTimeout        time.Duration // per job, 0 disables
	ReconnectInterval time.Duration // minimum spacing between dial attempts
	Registry          *Registry     // defaults to DefaultRegistry()
	Logger            *zap.Logger
}

// Node is a calculation node: it keeps a link to the dispatcher, advertises its
// capacity and answers every Execute with exactly one Result.
type Node struct {
	cfg     NodeConfig
	dial    Dialer
	pool    *Pool
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewNode validates cfg and builds a node. The pool is started by Run.
func NewNode(cfg NodeConfig, dial Dialer) (*Node, error) {
	if cfg.Capacity <= 0 || cfg.Capacity > math.MaxInt32 {
		return nil, fmt.Errorf("node capacity must be in [1, %d], got %d", math.MaxInt32, cfg.Capacity)
	}
	if dial == nil {
		return nil, errors.New("node needs a dialer")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}

	return &Node{
		cfg:  cfg,
		dial: dial,
		// A buffer equal to capacity lets an over-admitted job queue instead
		// of being failed straight away.
		pool:    NewPool(cfg.Capacity, cfg.Registry, cfg.NodeID),
		limiter: rate.NewLimiter(rate.Every(cfg.ReconnectInterval), 1),
		logger:  logger.Named("node").With(zap.String("node", cfg.NodeID)),
	}, nil
}

// ID returns the node identifier.
func (n *Node) ID() string { return n.cfg.NodeID }

// Ready is the node's capacity advertisement.
func (n *Node) Ready() *protocol.Ready {
	return &protocol.Ready{
		Capacity:  int32(n.cfg.Capacity),
		NodeID:    n.cfg.NodeID,
		Functions: n.cfg.Registry.Functions(),
	}
}

// Run serves the dispatcher until ctx is done, reconnecting after link loss.
// Jobs already running finish before Run returns.
func (n *Node) Run(ctx context.Context) error {
	if err := n.pool.Start(n.cfg.Capacity); err != nil {
		return err
	}
	defer n.pool.Stop()

	for {
		if err := n.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		link, err := n.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n.logger.Warn("dial dispatcher failed", zap.Error(err))
			continue
		}

		err = n.serve(ctx, link)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n.logger.Warn("dispatcher link lost, reconnecting", zap.Error(err))
	}
}

func (n *Node) serve(ctx context.Context, link Link) error {
	defer link.Close()

	stop := context.AfterFunc(ctx, func() { link.Close() })
	defer stop()

	if err := link.Send(n.Ready()); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	n.logger.Info("connected to dispatcher", zap.Int("capacity", n.cfg.Capacity))

	for {
		msg, err := link.Recv()
		if protocol.IsViolation(err) {
			n.logger.Warn("undecodable message from dispatcher, dropped", zap.Error(err))
			continue
		}
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *protocol.Execute:
			n.execute(link, m.Job)
		default:
			n.logger.Warn("unexpected message from dispatcher", zap.Stringer("kind", msg.Kind()))
		}
	}
}

func (n *Node) execute(link Link, job types.Job) {
	reply := func(result *types.JobResult) {
		if err := link.Send(&protocol.Result{Result: *result, Ready: n.Ready()}); err != nil {
			n.logger.Warn("failed to return result", zap.Stringer("job", job.Spec), zap.Error(err))
		}
	}

	err := n.pool.Submit(Task{Job: job, Timeout: n.cfg.JobTimeout, Done: reply})
	if err != nil {
		n.logger.Warn("job rejected by pool", zap.Stringer("job", job.Spec), zap.Error(err))
		reply(FailedResult(job, n.cfg.NodeID, err.Error()))
	}
}
