package consumer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// managedSource implements AssignmentSource on the broker's native group
// membership (the classic join/sync/heartbeat protocol, speaking the "range"
// protocol so it can share a group with other range consumers). The broker
// picks a leader among the joined members; when we are the leader the same
// pure assigner used by the kv source computes everyone's partitions, so the
// two membership backends always agree on the division policy.
//
// PublishOwned is a no-op here: the broker's generation state is the
// authoritative published ownership. The rebalance lock is process-local
// because the broker already serializes generations across processes.
type managedSource struct {
	client *kgo.Client
	cfg    Config
	topic  string
	logger log.Logger

	heartbeats *services.BasicService
	events     chan struct{}
	lockMtx    sync.Mutex

	mtx        sync.Mutex
	memberID   string
	generation int32
	owned      []int32
	needJoin   bool
}

func newManagedSource(client *kgo.Client, cfg Config, topic string, logger log.Logger) *managedSource {
	s := &managedSource{
		client:   client,
		cfg:      cfg,
		topic:    topic,
		logger:   log.With(logger, "component", "managed-membership", "group", cfg.Group),
		events:   make(chan struct{}, 1),
		needJoin: true,
	}
	s.heartbeats = services.NewBasicService(nil, s.heartbeatLoop, nil)
	return s
}

func (s *managedSource) Register(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrCoordinationUnavailable, err)
	}
	return services.StartAndAwaitRunning(ctx, s.heartbeats)
}

func (s *managedSource) Events() <-chan struct{} {
	return s.events
}

// Assign returns the broker-pushed assignment, rejoining the group first if
// a heartbeat told us a rebalance is in progress.
func (s *managedSource) Assign(ctx context.Context, partitions []int32) ([]int32, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.needJoin {
		if err := s.joinGroup(ctx, partitions); err != nil {
			return nil, err
		}
	}
	return append([]int32(nil), s.owned...), nil
}

func (s *managedSource) PublishOwned(context.Context, []int32) error {
	return nil
}

func (s *managedSource) AcquireLock(context.Context) error {
	s.lockMtx.Lock()
	return nil
}

func (s *managedSource) ReleaseLock(context.Context) error {
	s.lockMtx.Unlock()
	return nil
}

func (s *managedSource) Unregister(ctx context.Context) error {
	if err := services.StopAndAwaitTerminated(ctx, s.heartbeats); err != nil {
		return err
	}
	s.mtx.Lock()
	memberID := s.memberID
	s.memberID = ""
	s.needJoin = true
	s.mtx.Unlock()
	if memberID == "" {
		return nil
	}

	req := kmsg.NewPtrLeaveGroupRequest()
	req.Group = s.cfg.Group
	req.MemberID = memberID
	member := kmsg.NewLeaveGroupRequestMember()
	member.MemberID = memberID
	req.Members = append(req.Members, member)

	resp, err := req.RequestWith(ctx, s.client)
	if err != nil {
		return fmt.Errorf("leave group: %w", err)
	}
	if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
		return fmt.Errorf("leave group: %w", err)
	}
	return nil
}

// joinGroup runs one join/sync round. Called with s.mtx held.
func (s *managedSource) joinGroup(ctx context.Context, partitions []int32) error {
	meta := kmsg.NewConsumerMemberMetadata()
	meta.Version = 0
	meta.Topics = []string{s.topic}

	for {
		req := kmsg.NewPtrJoinGroupRequest()
		req.Group = s.cfg.Group
		req.SessionTimeoutMillis = int32(s.cfg.SessionTimeout.Milliseconds())
		req.RebalanceTimeoutMillis = int32(s.cfg.RebalanceTimeout.Milliseconds())
		req.MemberID = s.memberID
		req.ProtocolType = "consumer"
		proto := kmsg.NewJoinGroupRequestProtocol()
		proto.Name = "range"
		proto.Metadata = meta.AppendTo(nil)
		req.Protocols = append(req.Protocols, proto)

		resp, err := req.RequestWith(ctx, s.client)
		if err != nil {
			return fmt.Errorf("join group: %w", err)
		}
		if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
			switch {
			case kerr.IsRetriable(err):
				s.pause(ctx)
				continue
			case err == kerr.MemberIDRequired:
				// The broker handed us our member id, rejoin with it.
				s.memberID = resp.MemberID
				continue
			case err == kerr.UnknownMemberID:
				s.memberID = ""
				continue
			default:
				return fmt.Errorf("join group: %w", err)
			}
		}
		s.memberID = resp.MemberID
		s.generation = resp.Generation

		sync := kmsg.NewPtrSyncGroupRequest()
		sync.Group = s.cfg.Group
		sync.Generation = s.generation
		sync.MemberID = s.memberID
		if resp.LeaderID == resp.MemberID {
			assignments, err := s.leaderAssignments(resp.Members, partitions)
			if err != nil {
				return err
			}
			sync.GroupAssignment = assignments
		}

		sresp, err := sync.RequestWith(ctx, s.client)
		if err != nil {
			return fmt.Errorf("sync group: %w", err)
		}
		if err := kerr.ErrorForCode(sresp.ErrorCode); err != nil {
			if err == kerr.RebalanceInProgress || kerr.IsRetriable(err) {
				s.pause(ctx)
				continue
			}
			return fmt.Errorf("sync group: %w", err)
		}

		var assignment kmsg.ConsumerMemberAssignment
		if err := assignment.ReadFrom(sresp.MemberAssignment); err != nil {
			return fmt.Errorf("parse member assignment: %w", err)
		}
		var owned []int32
		for _, t := range assignment.Topics {
			if t.Topic == s.topic {
				owned = append(owned, t.Partitions...)
			}
		}
		sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })

		s.owned = owned
		s.needJoin = false
		level.Info(s.logger).Log("msg", "joined group", "generation", s.generation, "owned", len(owned))
		return nil
	}
}

// leaderAssignments computes every member's partitions when the broker
// elected us leader of this generation.
func (s *managedSource) leaderAssignments(members []kmsg.JoinGroupResponseMember, partitions []int32) ([]kmsg.SyncGroupRequestGroupAssignment, error) {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.MemberID)
	}
	full, err := assignAll(ids, partitions)
	if err != nil {
		return nil, err
	}

	assignments := make([]kmsg.SyncGroupRequestGroupAssignment, 0, len(members))
	for _, m := range members {
		assignment := kmsg.NewConsumerMemberAssignment()
		assignment.Version = 0
		topic := kmsg.NewConsumerMemberAssignmentTopic()
		topic.Topic = s.topic
		topic.Partitions = full[m.MemberID]
		assignment.Topics = []kmsg.ConsumerMemberAssignmentTopic{topic}

		ga := kmsg.NewSyncGroupRequestGroupAssignment()
		ga.MemberID = m.MemberID
		ga.MemberAssignment = assignment.AppendTo(nil)
		assignments = append(assignments, ga)
	}
	return assignments, nil
}

// pause rate-limits join retries on retriable broker errors.
func (s *managedSource) pause(ctx context.Context) {
	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
	}
}

func (s *managedSource) heartbeatLoop(ctx context.Context) error {
	period := s.cfg.SessionTimeout / 3
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.heartbeat(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *managedSource) heartbeat(ctx context.Context) {
	s.mtx.Lock()
	memberID, generation, needJoin := s.memberID, s.generation, s.needJoin
	s.mtx.Unlock()
	if needJoin || memberID == "" {
		return
	}

	req := kmsg.NewPtrHeartbeatRequest()
	req.Group = s.cfg.Group
	req.Generation = generation
	req.MemberID = memberID

	resp, err := req.RequestWith(ctx, s.client)
	if err != nil {
		level.Warn(s.logger).Log("msg", "group heartbeat failed", "err", err)
		return
	}
	if err := kerr.ErrorForCode(resp.ErrorCode); err != nil {
		switch err {
		case kerr.RebalanceInProgress, kerr.UnknownMemberID, kerr.IllegalGeneration:
			// The broker started a new generation, schedule a rejoin.
			s.mtx.Lock()
			s.needJoin = true
			if err == kerr.UnknownMemberID {
				s.memberID = ""
			}
			s.mtx.Unlock()
			s.notify()
		default:
			level.Warn(s.logger).Log("msg", "group heartbeat failed", "err", err)
		}
	}
}

func (s *managedSource) notify() {
	select {
	case s.events <- struct{}{}:
	default:
	}
}
