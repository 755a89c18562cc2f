package consumer

import (
	"fmt"
	"sort"
)

// Assign computes the partition set owned by self when partitions are
// divided across participants. Participants are ordered lexicographically
// and partitions ascending; that shared ordering is the only agreement
// mechanism between processes, so every live participant computes the
// identical full assignment and keeps only its own slice.
//
// Each participant receives a contiguous block of the sorted partitions.
// With n partitions and k participants, the first n%k participants (in
// sorted order) get one partition more than the rest, so sizes never differ
// by more than one. More participants than partitions is valid: the surplus
// participants receive an empty set.
func Assign(participants []string, partitions []int32, self string) ([]int32, error) {
	full, err := assignAll(participants, partitions)
	if err != nil {
		return nil, err
	}
	owned, ok := full[self]
	if !ok {
		return nil, fmt.Errorf("participant %q is not registered in the group", self)
	}
	return owned, nil
}

// assignAll computes the full assignment for every participant. The managed
// membership variant runs this on the elected group leader.
func assignAll(participants []string, partitions []int32) (map[string][]int32, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("cannot assign partitions across zero participants")
	}

	members := append([]string(nil), participants...)
	sort.Strings(members)
	parts := append([]int32(nil), partitions...)
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })

	n, k := len(parts), len(members)
	base, rem := n/k, n%k

	full := make(map[string][]int32, k)
	offset := 0
	for i, member := range members {
		size := base
		if i < rem {
			size++
		}
		full[member] = parts[offset : offset+size : offset+size]
		offset += size
	}

	if err := verifyAssignment(parts, full); err != nil {
		return nil, err
	}
	return full, nil
}

// verifyAssignment asserts that every partition is assigned exactly once.
// A violation is a bug and must fail loudly rather than silently drop
// partitions.
func verifyAssignment(partitions []int32, full map[string][]int32) error {
	seen := make(map[int32]int, len(partitions))
	for _, owned := range full {
		for _, p := range owned {
			seen[p]++
		}
	}
	for _, p := range partitions {
		if c := seen[p]; c != 1 {
			return &AssignmentInconsistencyError{Partition: p, Count: c}
		}
	}
	return nil
}
