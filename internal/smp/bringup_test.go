package smp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n4ar/melloos/internal/topology"
)

func apList(n int) []topology.CPUInfo {
	aps := make([]topology.CPUInfo, n)
	for i := range aps {
		aps[i] = topology.CPUInfo{Index: i + 1, APICID: uint32(i + 1)}
	}
	return aps
}

func TestBringUpReportsOnlineWhenStartSignalsReady(t *testing.T) {
	aps := apList(3)
	start := func(cpu topology.CPUInfo) <-chan struct{} {
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	results := BringUp(context.Background(), aps, start)
	require.Len(t, results, 3)
	for _, r := range results {
		require.Equalf(t, Online, r.Outcome, "cpu %d", r.CPU.Index)
	}
}

func TestBringUpTimesOutWithoutAborting(t *testing.T) {
	aps := apList(2)
	start := func(cpu topology.CPUInfo) <-chan struct{} {
		return make(chan struct{}) // never closes: this AP never comes online
	}

	results := BringUp(context.Background(), aps, start)
	require.Len(t, results, 2)
	for _, r := range results {
		require.Equalf(t, TimedOut, r.Outcome, "cpu %d", r.CPU.Index)
	}
}

func TestBringUpPreservesInputOrdering(t *testing.T) {
	aps := apList(5)
	start := func(cpu topology.CPUInfo) <-chan struct{} {
		ch := make(chan struct{})
		// Stagger completion so results would arrive out of order if BringUp
		// didn't re-index them by slot.
		go func() {
			time.Sleep(time.Duration(5-cpu.Index) * time.Millisecond)
			close(ch)
		}()
		return ch
	}

	results := BringUp(context.Background(), aps, start)
	for i, r := range results {
		require.Equalf(t, aps[i].Index, r.CPU.Index, "result %d", i)
	}
}
