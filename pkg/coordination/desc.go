// Package coordination implements group membership, owned-partition
// publication and a cross-process rebalance lock on top of a dskit kv store
// (consul, etcd, memberlist or in-memory).
//
// Each consumer group is a single CAS-updated descriptor under one key. The
// descriptor holds every member's heartbeat timestamp and published owned
// partitions, plus the rebalance lock lease. Watching that one key is enough
// to observe every membership change in the group.
package coordination

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/grafana/dskit/kv/codec"
)

// GroupDesc is the value stored at a group's key.
type GroupDesc struct {
	Members map[string]MemberDesc `json:"members"`
	Lock    LockDesc              `json:"lock"`
}

// MemberDesc describes one registered participant.
type MemberDesc struct {
	// Heartbeat is the unix timestamp of the member's last heartbeat. A
	// member whose heartbeat is older than the heartbeat timeout is
	// considered gone, exactly like a ring instance.
	Heartbeat int64 `json:"heartbeat"`

	// Owned is the partition set the member last published after a
	// successful rebalance.
	Owned []int32 `json:"owned_partitions"`
}

// LockDesc is the rebalance lock lease.
type LockDesc struct {
	Holder  string `json:"holder"`
	Expires int64  `json:"expires"`
}

// NewGroupDesc returns an empty group descriptor.
func NewGroupDesc() *GroupDesc {
	return &GroupDesc{Members: map[string]MemberDesc{}}
}

// ActiveMembers returns the sorted ids of members whose heartbeat is within
// timeout of now. The sort order is the authoritative tie-break shared by
// every participant, so it must be plain lexicographic.
func (d *GroupDesc) ActiveMembers(now time.Time, timeout time.Duration) []string {
	ids := make([]string, 0, len(d.Members))
	for id, m := range d.Members {
		if !m.expired(now, timeout) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RemoveExpiredMembers drops members whose heartbeat is older than timeout
// and reports whether the descriptor changed.
func (d *GroupDesc) RemoveExpiredMembers(now time.Time, timeout time.Duration) bool {
	changed := false
	for id, m := range d.Members {
		if m.expired(now, timeout) {
			delete(d.Members, id)
			changed = true
		}
	}
	return changed
}

func (m MemberDesc) expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(time.Unix(m.Heartbeat, 0)) > timeout
}

// lockHeld reports whether the lock is currently leased to someone other
// than id.
func (d *GroupDesc) lockHeldByOther(id string, now time.Time) bool {
	if d.Lock.Holder == "" || d.Lock.Holder == id {
		return false
	}
	return now.Unix() < d.Lock.Expires
}

// GetCodec returns the codec used to encode and decode group descriptors in
// the kv store.
func GetCodec() codec.Codec {
	return jsonCodec{}
}

type jsonCodec struct{}

func (jsonCodec) Decode(b []byte) (interface{}, error) {
	if len(b) == 0 {
		return NewGroupDesc(), nil
	}
	desc := NewGroupDesc()
	if err := json.Unmarshal(b, desc); err != nil {
		return nil, err
	}
	if desc.Members == nil {
		desc.Members = map[string]MemberDesc{}
	}
	return desc, nil
}

func (jsonCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) CodecID() string {
	return "groupDesc"
}
