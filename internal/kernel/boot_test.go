package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/n4ar/melloos/internal/bootinfo"
	"github.com/n4ar/melloos/internal/topology"
)

func TestBootBringsUpConfiguredCPUs(t *testing.T) {
	handoff := &bootinfo.Handoff{CommandLine: "--cpus=2 --hz=200 --ports=256"}
	src := topology.StaticSource{0, 1}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	k, err := Boot(ctx, handoff, 2 /* stderr */, src)
	require.NoError(t, err)
	defer k.Scheduler.Stop()

	require.Equal(t, 2, k.Scheduler.CPUCount())
	require.Equal(t, 200, k.Options.TickHz)
}

func TestBootSucceedsWithSeveralApplicationProcessors(t *testing.T) {
	handoff := &bootinfo.Handoff{CommandLine: ""}
	src := topology.StaticSource{0, 1, 2}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	k, err := Boot(ctx, handoff, 2, src)
	require.NoError(t, err, "boot should never fail on a slow or missing AP")
	defer k.Scheduler.Stop()

	require.GreaterOrEqual(t, k.Scheduler.CPUCount(), 1)
}
