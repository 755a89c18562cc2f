package coordination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestActiveMembersSortedAndPruned(t *testing.T) {
	now := time.Now()
	desc := NewGroupDesc()
	desc.Members["host-2:aa"] = MemberDesc{Heartbeat: now.Unix()}
	desc.Members["host-1:bb"] = MemberDesc{Heartbeat: now.Unix()}
	desc.Members["host-3:cc"] = MemberDesc{Heartbeat: now.Add(-2 * time.Minute).Unix()}

	active := desc.ActiveMembers(now, time.Minute)
	require.Equal(t, []string{"host-1:bb", "host-2:aa"}, active)
}

func TestRemoveExpiredMembers(t *testing.T) {
	now := time.Now()
	desc := NewGroupDesc()
	desc.Members["live"] = MemberDesc{Heartbeat: now.Unix()}
	desc.Members["gone"] = MemberDesc{Heartbeat: now.Add(-time.Hour).Unix()}

	require.True(t, desc.RemoveExpiredMembers(now, time.Minute))
	require.False(t, desc.RemoveExpiredMembers(now, time.Minute))
	_, ok := desc.Members["live"]
	require.True(t, ok)
	_, ok = desc.Members["gone"]
	require.False(t, ok)
}

func TestCodecDecodeEmptyValue(t *testing.T) {
	in, err := GetCodec().Decode(nil)
	require.NoError(t, err)
	desc, ok := in.(*GroupDesc)
	require.True(t, ok)
	require.NotNil(t, desc.Members)
	require.Empty(t, desc.Members)
}

func TestLockHeldByOther(t *testing.T) {
	now := time.Now()
	desc := NewGroupDesc()
	require.False(t, desc.lockHeldByOther("a", now))

	desc.Lock = LockDesc{Holder: "b", Expires: now.Add(time.Minute).Unix()}
	require.True(t, desc.lockHeldByOther("a", now))
	require.False(t, desc.lockHeldByOther("b", now))

	desc.Lock.Expires = now.Add(-time.Second).Unix()
	require.False(t, desc.lockHeldByOther("a", now))
}
