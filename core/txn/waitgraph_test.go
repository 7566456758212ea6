package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindCycleEmptyGraph(t *testing.T) {
	require.Nil(t, findCycle(nil))
	require.Nil(t, findCycle(map[TxnID][]TxnID{}))
}

func TestFindCycleAcyclicChain(t *testing.T) {
	edges := map[TxnID][]TxnID{
		1: {2},
		2: {3},
		3: {4},
	}
	require.Nil(t, findCycle(edges))
}

func TestFindCycleTwoParty(t *testing.T) {
	edges := map[TxnID][]TxnID{
		1: {2},
		2: {1},
	}
	cycle := findCycle(edges)
	require.Len(t, cycle, 2)
	require.ElementsMatch(t, []TxnID{1, 2}, cycle)
}

func TestFindCycleIgnoresDanglingTail(t *testing.T) {
	// 5 waits into a 3-cycle it is not part of; only the cycle members
	// are reported.
	edges := map[TxnID][]TxnID{
		5: {1},
		1: {2},
		2: {3},
		3: {1},
	}
	cycle := findCycle(edges)
	require.Len(t, cycle, 3)
	require.ElementsMatch(t, []TxnID{1, 2, 3}, cycle)
}

func TestFindCycleSelfWaitNeverHappens(t *testing.T) {
	// The lock table never emits self-edges, but the detector must not
	// loop forever if handed one.
	edges := map[TxnID][]TxnID{1: {1}}
	cycle := findCycle(edges)
	require.Len(t, cycle, 1)
}
