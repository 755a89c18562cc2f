package consumer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// Mirrors the classic balanced-assignment property sweep: for each (k, n)
// pair the union of all participants' sets covers every partition exactly
// once, sizes differ by at most one, and the first n%k sorted participants
// carry the extra partition.
func TestAssignCompleteAndBalanced(t *testing.T) {
	for i := 0; i < 100; i++ {
		numParticipants := i + 1
		numPartitions := 100 - i

		participants := make([]string, 0, numParticipants)
		for p := 0; p < numParticipants; p++ {
			participants = append(participants, fmt.Sprintf("test-debian:%02d", p))
		}
		partitions := make([]int32, 0, numPartitions)
		for p := 0; p < numPartitions; p++ {
			partitions = append(partitions, int32(p))
		}

		seen := map[int32]int{}
		base, rem := numPartitions/numParticipants, numPartitions%numParticipants
		for idx, self := range participants {
			owned, err := Assign(participants, partitions, self)
			require.NoError(t, err)

			want := base
			if idx < rem {
				want++
			}
			require.Len(t, owned, want, "participant %d of %d, %d partitions", idx, numParticipants, numPartitions)
			for _, p := range owned {
				seen[p]++
			}
		}

		require.Len(t, seen, numPartitions)
		for p, count := range seen {
			require.Equal(t, 1, count, "partition %d", p)
		}
	}
}

func TestAssignDeterministic(t *testing.T) {
	participants := []string{"host-b:1", "host-a:2", "host-c:3"}
	partitions := []int32{4, 2, 0, 1, 3}

	first, err := Assign(participants, partitions, "host-a:2")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Assign(participants, partitions, "host-a:2")
		require.NoError(t, err)
		require.Equal(t, first, again)
	}

	// Input order must not matter, only the sorted order does.
	shuffled, err := Assign([]string{"host-c:3", "host-b:1", "host-a:2"}, []int32{0, 1, 2, 3, 4}, "host-a:2")
	require.NoError(t, err)
	require.Equal(t, first, shuffled)
}

func TestAssignContiguousBlocks(t *testing.T) {
	participants := []string{"a", "b", "c"}
	partitions := []int32{0, 1, 2, 3, 4, 5, 6}

	a, err := Assign(participants, partitions, "a")
	require.NoError(t, err)
	b, err := Assign(participants, partitions, "b")
	require.NoError(t, err)
	c, err := Assign(participants, partitions, "c")
	require.NoError(t, err)

	require.Equal(t, []int32{0, 1, 2}, a)
	require.Equal(t, []int32{3, 4}, b)
	require.Equal(t, []int32{5, 6}, c)
}

func TestAssignMoreParticipantsThanPartitions(t *testing.T) {
	participants := []string{"a", "b", "c", "d", "e"}
	partitions := []int32{0, 1, 2}

	total := 0
	for idx, self := range participants {
		owned, err := Assign(participants, partitions, self)
		require.NoError(t, err)
		if idx < len(partitions) {
			require.Len(t, owned, 1)
		} else {
			require.Empty(t, owned)
		}
		total += len(owned)
	}
	require.Equal(t, len(partitions), total)
}

func TestAssignErrors(t *testing.T) {
	_, err := Assign(nil, []int32{0}, "a")
	require.Error(t, err)

	_, err = Assign([]string{"a", "b"}, []int32{0}, "not-a-member")
	require.Error(t, err)
}

func TestVerifyAssignmentDetectsViolations(t *testing.T) {
	partitions := []int32{0, 1}

	err := verifyAssignment(partitions, map[string][]int32{"a": {0}})
	var inconsistency *AssignmentInconsistencyError
	require.ErrorAs(t, err, &inconsistency)
	require.Equal(t, int32(1), inconsistency.Partition)
	require.Equal(t, 0, inconsistency.Count)

	err = verifyAssignment(partitions, map[string][]int32{"a": {0, 1}, "b": {1}})
	require.ErrorAs(t, err, &inconsistency)
	require.Equal(t, int32(1), inconsistency.Partition)
	require.Equal(t, 2, inconsistency.Count)
}
