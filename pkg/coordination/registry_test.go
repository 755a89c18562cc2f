package coordination

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/kv"
	"github.com/grafana/dskit/kv/consul"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Prefix:           "consumergroups/",
		HeartbeatPeriod:  50 * time.Millisecond,
		HeartbeatTimeout: 10 * time.Second,
		LockLease:        10 * time.Second,
	}
}

func newTestKV(t *testing.T) kv.Client {
	client, closer := consul.NewInMemoryClient(GetCodec(), log.NewNopLogger(), nil)
	t.Cleanup(func() { _ = closer.Close() })
	return client
}

func startRegistry(t *testing.T, client kv.Client, group, member string) *Registry {
	r := NewWithClient(testConfig(), group, member, client, log.NewNopLogger(), nil)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), r))
	t.Cleanup(func() {
		_ = services.StopAndAwaitTerminated(context.Background(), r)
	})
	return r
}

func drainEvents(r *Registry) {
	for {
		select {
		case <-r.Events():
		default:
			return
		}
	}
}

func TestRegistryMembership(t *testing.T) {
	client := newTestKV(t)
	ctx := context.Background()

	a := startRegistry(t, client, "membership", "member-a")
	parts, err := a.Participants(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"member-a"}, parts)
	drainEvents(a)

	b := startRegistry(t, client, "membership", "member-b")

	// a is notified about b joining.
	select {
	case <-a.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for membership change notification")
	}

	parts, err = a.Participants(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"member-a", "member-b"}, parts)

	// b leaving triggers one final notification to a.
	require.NoError(t, services.StopAndAwaitTerminated(ctx, b))
	require.Eventually(t, func() bool {
		parts, err := a.Participants(ctx)
		return err == nil && len(parts) == 1 && parts[0] == "member-a"
	}, 5*time.Second, 20*time.Millisecond)
	select {
	case <-a.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for leave notification")
	}
}

func TestRegistryPublishOwned(t *testing.T) {
	client := newTestKV(t)
	ctx := context.Background()

	r := startRegistry(t, client, "publish", "member-a")
	require.NoError(t, r.PublishOwned(ctx, []int32{0, 2, 4}))

	owned, err := r.OwnedPartitions(ctx, "member-a")
	require.NoError(t, err)
	require.Equal(t, []int32{0, 2, 4}, owned)
}

func TestRegistrySessionLossIsRepaired(t *testing.T) {
	client := newTestKV(t)
	ctx := context.Background()

	r := startRegistry(t, client, "loss", "member-a")
	drainEvents(r)

	// Wipe our registration behind the registry's back, like an expired
	// session would.
	require.NoError(t, client.CAS(ctx, "consumergroups/loss", func(in interface{}) (interface{}, bool, error) {
		desc := descOrNew(in)
		delete(desc.Members, "member-a")
		return desc, true, nil
	}))

	// The registry must detect the discrepancy, re-register and notify.
	select {
	case <-r.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session-loss notification")
	}
	require.Eventually(t, func() bool {
		parts, err := r.Participants(ctx)
		return err == nil && len(parts) == 1 && parts[0] == "member-a"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRegistryNotificationsAreCoalesced(t *testing.T) {
	client := newTestKV(t)
	ctx := context.Background()

	r := startRegistry(t, client, "coalesce", "member-a")
	drainEvents(r)

	// Many rapid membership changes while nobody reads the events channel.
	for i := 0; i < 10; i++ {
		member := fmt.Sprintf("member-%02d", i)
		require.NoError(t, client.CAS(ctx, "consumergroups/coalesce", func(in interface{}) (interface{}, bool, error) {
			desc := descOrNew(in)
			desc.Members[member] = MemberDesc{Heartbeat: time.Now().Unix()}
			return desc, true, nil
		}))
	}

	select {
	case <-r.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a membership change notification")
	}

	// Changes were folded while the first notification was pending, so at
	// most one more can be buffered behind it.
	time.Sleep(200 * time.Millisecond)
	pending := 0
	for {
		select {
		case <-r.Events():
			pending++
			continue
		default:
		}
		break
	}
	require.LessOrEqual(t, pending, 1)
}

func TestRebalanceLockMutualExclusion(t *testing.T) {
	client := newTestKV(t)
	ctx := context.Background()

	a := NewWithClient(testConfig(), "lock", "member-a", client, log.NewNopLogger(), nil)
	b := NewWithClient(testConfig(), "lock", "member-b", client, log.NewNopLogger(), nil)

	require.NoError(t, a.AcquireLock(ctx))

	shortCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	require.Error(t, b.AcquireLock(shortCtx))

	require.NoError(t, a.ReleaseLock(ctx))
	require.NoError(t, b.AcquireLock(ctx))
	require.NoError(t, b.ReleaseLock(ctx))
}

func TestRebalanceLockLeaseExpires(t *testing.T) {
	client := newTestKV(t)
	ctx := context.Background()

	cfg := testConfig()
	cfg.LockLease = time.Second
	a := NewWithClient(cfg, "lease", "member-a", client, log.NewNopLogger(), nil)
	b := NewWithClient(testConfig(), "lease", "member-b", client, log.NewNopLogger(), nil)

	require.NoError(t, a.AcquireLock(ctx))

	// A crashed holder's lease must not block the group forever.
	acquireCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, b.AcquireLock(acquireCtx))
	require.NoError(t, b.ReleaseLock(ctx))
}
