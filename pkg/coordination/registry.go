package coordination

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/kv"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// ErrUnavailable is returned when the kv store cannot be reached at
// registration time.
var ErrUnavailable = errors.New("coordination service unavailable")

// errLockHeld aborts a lock CAS while another member holds the lease.
var errLockHeld = errors.New("rebalance lock held")

type Config struct {
	Store  kv.Config `yaml:"store"`
	Prefix string    `yaml:"prefix"`

	HeartbeatPeriod  time.Duration `yaml:"heartbeat_period"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	LockLease        time.Duration `yaml:"lock_lease"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("coordination", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	cfg.Store.RegisterFlagsWithPrefix(prefix+".", "consumergroups/", f)
	f.StringVar(&cfg.Prefix, prefix+".prefix", "consumergroups/", "The key prefix under which group descriptors are stored.")
	f.DurationVar(&cfg.HeartbeatPeriod, prefix+".heartbeat-period", 5*time.Second, "How often each member heartbeats its group descriptor entry.")
	f.DurationVar(&cfg.HeartbeatTimeout, prefix+".heartbeat-timeout", 1*time.Minute, "After how long without a heartbeat a member is considered gone.")
	f.DurationVar(&cfg.LockLease, prefix+".lock-lease", 30*time.Second, "For how long an acquired rebalance lock lease is valid.")
}

func (cfg *Config) Validate() error {
	if cfg.HeartbeatPeriod <= 0 || cfg.HeartbeatTimeout <= 0 || cfg.LockLease <= 0 {
		return fmt.Errorf("coordination periods must be positive")
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatPeriod {
		return fmt.Errorf("heartbeat timeout (%s) must be greater than heartbeat period (%s)", cfg.HeartbeatTimeout, cfg.HeartbeatPeriod)
	}
	return nil
}

// A Registry is one member's view of a consumer group in the kv store. It
// registers the member on start, heartbeats and prunes expired peers while
// running, and unregisters on stop. Membership changes and session loss are
// delivered as coalesced notifications on Events.
type Registry struct {
	services.Service

	cfg      Config
	kv       kv.Client
	key      string
	group    string
	memberID string
	logger   log.Logger

	events     chan struct{}
	registered atomic.Bool

	// onWorkerError forwards failures that happen on the notification
	// goroutine. They must never crash it.
	onWorkerError func(error)

	viewMtx  sync.Mutex
	lastView string

	watchWG sync.WaitGroup
	metrics registryMetrics
}

type registryMetrics struct {
	heartbeats    prometheus.Counter
	sessionLosses prometheus.Counter
	notifications prometheus.Counter
}

// New creates a Registry with its own kv client built from cfg.Store.
func New(cfg Config, group, memberID string, logger log.Logger, reg prometheus.Registerer) (*Registry, error) {
	client, err := kv.NewClient(cfg.Store, GetCodec(), kv.RegistererWithKVName(reg, "consumer-group"), logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return NewWithClient(cfg, group, memberID, client, logger, reg), nil
}

// NewWithClient creates a Registry on an existing kv client. Used by tests
// and by callers sharing one client across groups.
func NewWithClient(cfg Config, group, memberID string, client kv.Client, logger log.Logger, reg prometheus.Registerer) *Registry {
	r := &Registry{
		cfg:      cfg,
		kv:       client,
		key:      cfg.Prefix + group,
		group:    group,
		memberID: memberID,
		logger:   log.With(logger, "component", "group-registry", "group", group),
		events:   make(chan struct{}, 1),
		metrics: registryMetrics{
			heartbeats: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "balanced_consumer_coordination_heartbeats_total",
				Help: "Total number of heartbeats written to the group descriptor.",
			}),
			sessionLosses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "balanced_consumer_coordination_session_losses_total",
				Help: "Total number of times this member found its own registration missing and re-created it.",
			}),
			notifications: promauto.With(reg).NewCounter(prometheus.CounterOpts{
				Name: "balanced_consumer_coordination_notifications_total",
				Help: "Total number of membership change notifications delivered.",
			}),
		},
	}
	r.Service = services.NewBasicService(r.starting, r.running, r.stopping)
	return r
}

// OnWorkerError sets the sink for failures raised on the notification
// goroutine. Must be called before the service is started.
func (r *Registry) OnWorkerError(f func(error)) {
	r.onWorkerError = f
}

// Events returns the membership change notification channel. Notifications
// are coalesced: while one is pending, further changes are folded into it.
func (r *Registry) Events() <-chan struct{} {
	return r.events
}

// MemberID returns this member's participant id.
func (r *Registry) MemberID() string {
	return r.memberID
}

func (r *Registry) starting(ctx context.Context) error {
	if err := r.register(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return nil
}

func (r *Registry) running(ctx context.Context) error {
	r.watchWG.Add(1)
	go func() {
		defer r.watchWG.Done()
		r.kv.WatchKey(ctx, r.key, func(v interface{}) bool {
			desc, ok := v.(*GroupDesc)
			if !ok || desc == nil {
				return true
			}
			r.observe(ctx, desc)
			return true
		})
	}()

	ticker := time.NewTicker(r.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.metrics.heartbeats.Inc()
			if err := r.heartbeat(ctx); err != nil {
				level.Warn(r.logger).Log("msg", "failed to heartbeat group descriptor", "err", err)
			}
		case <-ctx.Done():
			r.watchWG.Wait()
			return nil
		}
	}
}

func (r *Registry) stopping(_ error) error {
	// Deregistration is deliberate, so it gets its own context. Peers get
	// their final change notification through the kv watch.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.Unregister(ctx)
}

// register creates (or re-creates) this member's descriptor entry.
func (r *Registry) register(ctx context.Context) error {
	err := r.kv.CAS(ctx, r.key, func(in interface{}) (interface{}, bool, error) {
		desc := descOrNew(in)
		member := desc.Members[r.memberID]
		member.Heartbeat = time.Now().Unix()
		desc.Members[r.memberID] = member
		return desc, true, nil
	})
	if err != nil {
		return errors.Wrap(err, "register group member")
	}
	r.registered.Store(true)
	return nil
}

// Unregister removes this member from the group descriptor. Idempotent.
func (r *Registry) Unregister(ctx context.Context) error {
	r.registered.Store(false)
	err := r.kv.CAS(ctx, r.key, func(in interface{}) (interface{}, bool, error) {
		desc := descOrNew(in)
		delete(desc.Members, r.memberID)
		return desc, true, nil
	})
	return errors.Wrap(err, "unregister group member")
}

// Participants returns the sorted ids of the currently live members.
func (r *Registry) Participants(ctx context.Context) ([]string, error) {
	in, err := r.kv.Get(ctx, r.key)
	if err != nil {
		return nil, errors.Wrap(err, "get group descriptor")
	}
	return descOrNew(in).ActiveMembers(time.Now(), r.cfg.HeartbeatTimeout), nil
}

// PublishOwned writes this member's held partition set so that peers and
// recovery logic can read it back.
func (r *Registry) PublishOwned(ctx context.Context, owned []int32) error {
	err := r.kv.CAS(ctx, r.key, func(in interface{}) (interface{}, bool, error) {
		desc := descOrNew(in)
		member := desc.Members[r.memberID]
		member.Heartbeat = time.Now().Unix()
		member.Owned = append([]int32(nil), owned...)
		desc.Members[r.memberID] = member
		return desc, true, nil
	})
	return errors.Wrap(err, "publish owned partitions")
}

// OwnedPartitions reads the partition set a member last published.
func (r *Registry) OwnedPartitions(ctx context.Context, memberID string) ([]int32, error) {
	in, err := r.kv.Get(ctx, r.key)
	if err != nil {
		return nil, errors.Wrap(err, "get group descriptor")
	}
	return descOrNew(in).Members[memberID].Owned, nil
}

// heartbeat refreshes this member's timestamp and prunes expired peers. If
// our own entry went missing (kv store wiped, session expired) it is
// re-created and the loss is reported as a membership change, because the
// published owned-partition state was wiped with it.
func (r *Registry) heartbeat(ctx context.Context) error {
	lost := false
	err := r.kv.CAS(ctx, r.key, func(in interface{}) (interface{}, bool, error) {
		desc := descOrNew(in)
		now := time.Now()
		_, present := desc.Members[r.memberID]
		lost = !present
		member := desc.Members[r.memberID]
		member.Heartbeat = now.Unix()
		desc.Members[r.memberID] = member
		desc.RemoveExpiredMembers(now, r.cfg.HeartbeatTimeout)
		return desc, true, nil
	})
	if err != nil {
		return err
	}
	if lost && r.registered.Load() {
		r.metrics.sessionLosses.Inc()
		level.Warn(r.logger).Log("msg", "own registration was missing, re-created it")
		r.notify()
	}
	return nil
}

// observe runs on the kv notification goroutine. It must not panic or block:
// failures are forwarded through onWorkerError.
func (r *Registry) observe(ctx context.Context, desc *GroupDesc) {
	defer func() {
		if p := recover(); p != nil {
			r.forwardError(fmt.Errorf("membership watch panicked: %v", p))
		}
	}()

	if r.registered.Load() {
		if _, ok := desc.Members[r.memberID]; !ok {
			r.metrics.sessionLosses.Inc()
			if err := r.register(ctx); err != nil {
				r.forwardError(err)
			}
			r.notify()
			return
		}
	}

	view := strings.Join(desc.ActiveMembers(time.Now(), r.cfg.HeartbeatTimeout), ",")
	r.viewMtx.Lock()
	changed := view != r.lastView
	r.lastView = view
	r.viewMtx.Unlock()
	if changed {
		r.notify()
	}
}

func (r *Registry) notify() {
	r.metrics.notifications.Inc()
	select {
	case r.events <- struct{}{}:
	default:
	}
}

func (r *Registry) forwardError(err error) {
	if r.onWorkerError != nil {
		r.onWorkerError(err)
		return
	}
	level.Error(r.logger).Log("msg", "membership watch error", "err", err)
}

// AcquireLock takes the group's rebalance lock lease, waiting until it is
// free or ctx is done. The lease serializes rebalance passes across every
// participant in the group, not just within one process.
func (r *Registry) AcquireLock(ctx context.Context) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: time.Second,
	})
	for boff.Ongoing() {
		err := r.kv.CAS(ctx, r.key, func(in interface{}) (interface{}, bool, error) {
			desc := descOrNew(in)
			if desc.lockHeldByOther(r.memberID, time.Now()) {
				return nil, false, errLockHeld
			}
			desc.Lock = LockDesc{
				Holder:  r.memberID,
				Expires: time.Now().Add(r.cfg.LockLease).Unix(),
			}
			return desc, true, nil
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, errLockHeld) {
			return errors.Wrap(err, "acquire rebalance lock")
		}
		boff.Wait()
	}
	return boff.Err()
}

// ReleaseLock gives the lease back if we still hold it.
func (r *Registry) ReleaseLock(ctx context.Context) error {
	err := r.kv.CAS(ctx, r.key, func(in interface{}) (interface{}, bool, error) {
		desc := descOrNew(in)
		if desc.Lock.Holder != r.memberID {
			return nil, false, nil
		}
		desc.Lock = LockDesc{}
		return desc, true, nil
	})
	return errors.Wrap(err, "release rebalance lock")
}

func descOrNew(in interface{}) *GroupDesc {
	if in == nil {
		return NewGroupDesc()
	}
	desc, ok := in.(*GroupDesc)
	if !ok || desc == nil {
		return NewGroupDesc()
	}
	if desc.Members == nil {
		desc.Members = map[string]MemberDesc{}
	}
	return desc
}
