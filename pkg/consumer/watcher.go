package consumer

import (
	"context"
	"fmt"
	"sort"

	"github.com/grafana/dskit/services"

	"github.com/grafana/balanced/pkg/coordination"
)

// An AssignmentSource tells a consumer which partitions it owns and when
// ownership may have changed. Two implementations exist: kvSource, backed by
// the coordination kv store plus the local assigner, and managedSource,
// backed by the broker's native group membership. The rebalance coordinator
// treats both identically.
type AssignmentSource interface {
	// Register joins the group. Fails with ErrCoordinationUnavailable when
	// the membership substrate cannot be reached.
	Register(ctx context.Context) error
	// Events delivers coalesced "ownership may have changed" notifications,
	// including one after session loss and re-establishment.
	Events() <-chan struct{}
	// Assign returns the partitions this member currently owns out of the
	// topic's partition set.
	Assign(ctx context.Context, partitions []int32) ([]int32, error)
	// PublishOwned makes the held partition set visible to peers and to
	// recovery logic.
	PublishOwned(ctx context.Context, owned []int32) error
	// AcquireLock and ReleaseLock serialize rebalance passes across every
	// participant of the group.
	AcquireLock(ctx context.Context) error
	ReleaseLock(ctx context.Context) error
	// Unregister leaves the group; peers receive one final notification.
	Unregister(ctx context.Context) error
}

// kvSource derives ownership from the registered participant set: every
// member computes the identical assignment locally and keeps its own slice.
type kvSource struct {
	registry *coordination.Registry
	memberID string
}

func newKVSource(registry *coordination.Registry) *kvSource {
	return &kvSource{
		registry: registry,
		memberID: registry.MemberID(),
	}
}

func (s *kvSource) Register(ctx context.Context) error {
	return services.StartAndAwaitRunning(ctx, s.registry)
}

func (s *kvSource) Events() <-chan struct{} {
	return s.registry.Events()
}

func (s *kvSource) Assign(ctx context.Context, partitions []int32) ([]int32, error) {
	participants, err := s.registry.Participants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list group participants: %w", err)
	}
	// Between a session loss and its repair our own entry may be missing;
	// we are alive, so assign as if it were present.
	if i := sort.SearchStrings(participants, s.memberID); i == len(participants) || participants[i] != s.memberID {
		participants = append(participants, s.memberID)
	}
	return Assign(participants, partitions, s.memberID)
}

func (s *kvSource) PublishOwned(ctx context.Context, owned []int32) error {
	return s.registry.PublishOwned(ctx, owned)
}

func (s *kvSource) AcquireLock(ctx context.Context) error {
	return s.registry.AcquireLock(ctx)
}

func (s *kvSource) ReleaseLock(ctx context.Context) error {
	return s.registry.ReleaseLock(ctx)
}

func (s *kvSource) Unregister(ctx context.Context) error {
	return services.StopAndAwaitTerminated(ctx, s.registry)
}
