package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// offsetLookup resolves starting offsets for partitions gaining a new owner.
type offsetLookup interface {
	Committed(ctx context.Context, partitions []int32) (map[int32]int64, error)
	Earliest(ctx context.Context, partitions []int32) (map[int32]int64, error)
	Latest(ctx context.Context, partitions []int32) (map[int32]int64, error)
}

// offsetClient talks to the brokers for offset and metadata concerns: the
// committed group offsets, the earliest/latest partition offsets, explicit
// commits, and the topic's partition set.
type offsetClient struct {
	adm   *kadm.Client
	topic string
	group string
}

func newOffsetClient(client *kgo.Client, topic, group string) *offsetClient {
	return &offsetClient{
		adm:   kadm.NewClient(client),
		topic: topic,
		group: group,
	}
}

// Partitions returns the sorted partition ids of the topic. The set is read
// once at Start and treated as immutable for the consumer session.
func (o *offsetClient) Partitions(ctx context.Context) ([]int32, error) {
	details, err := o.adm.ListTopics(ctx, o.topic)
	if err != nil {
		return nil, fmt.Errorf("list topic %q: %w", o.topic, err)
	}
	detail, ok := details[o.topic]
	if !ok || detail.Err != nil {
		if detail.Err != nil {
			return nil, fmt.Errorf("list topic %q: %w", o.topic, detail.Err)
		}
		return nil, fmt.Errorf("topic %q not found", o.topic)
	}
	partitions := detail.Partitions.Numbers()
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	return partitions, nil
}

// Committed returns the group's committed offset for each partition that has
// one. Partitions without a commit (or a group that does not exist yet) are
// simply absent from the result.
func (o *offsetClient) Committed(ctx context.Context, partitions []int32) (map[int32]int64, error) {
	resp, err := o.adm.FetchOffsets(ctx, o.group)
	if err != nil {
		if errors.Is(err, kerr.GroupIDNotFound) {
			return map[int32]int64{}, nil
		}
		return nil, fmt.Errorf("fetch committed offsets: %w", err)
	}
	committed := make(map[int32]int64, len(partitions))
	for _, p := range partitions {
		off, ok := resp.Lookup(o.topic, p)
		if !ok || off.Err != nil || off.At < 0 {
			continue
		}
		committed[p] = off.At
	}
	return committed, nil
}

func (o *offsetClient) Earliest(ctx context.Context, partitions []int32) (map[int32]int64, error) {
	listed, err := o.adm.ListStartOffsets(ctx, o.topic)
	if err != nil {
		return nil, fmt.Errorf("list start offsets: %w", err)
	}
	return o.lookupListed(listed, partitions)
}

func (o *offsetClient) Latest(ctx context.Context, partitions []int32) (map[int32]int64, error) {
	listed, err := o.adm.ListEndOffsets(ctx, o.topic)
	if err != nil {
		return nil, fmt.Errorf("list end offsets: %w", err)
	}
	return o.lookupListed(listed, partitions)
}

func (o *offsetClient) lookupListed(listed kadm.ListedOffsets, partitions []int32) (map[int32]int64, error) {
	if err := listed.Error(); err != nil {
		return nil, fmt.Errorf("list offsets: %w", err)
	}
	offsets := make(map[int32]int64, len(partitions))
	for _, p := range partitions {
		l, ok := listed.Lookup(o.topic, p)
		if !ok {
			return nil, fmt.Errorf("partition %d missing from listed offsets", p)
		}
		offsets[p] = l.Offset
	}
	return offsets, nil
}

// Commit commits the given next-offsets to the consumer group.
func (o *offsetClient) Commit(ctx context.Context, offsets map[int32]int64) error {
	if len(offsets) == 0 {
		return nil
	}
	toCommit := kadm.Offsets{}
	for p, off := range offsets {
		toCommit.AddOffset(o.topic, p, off, -1)
	}
	committed, err := o.adm.CommitOffsets(ctx, o.group, toCommit)
	if err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	if err := committed.Error(); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}
