package health

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/cloudpods/pkg/events"
	"github.com/cuemby/cloudpods/pkg/pve"
	"github.com/cuemby/cloudpods/pkg/storage"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMonitorFixture(t *testing.T, retries int) (*Monitor, *pve.FakeExecutor, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pods := []*types.CloudPod{
		{ID: "p1", TenantID: "t1", VMID: 101, PVENode: "pve1", Status: types.PodStatusActive},
		{ID: "p2", TenantID: "t1", VMID: 102, PVENode: "pve2", Status: types.PodStatusActive},
		{ID: "p3", TenantID: "t2", VMID: 103, PVENode: "pve1", Status: types.PodStatusSuspended},
		{ID: "p4", TenantID: "t2", VMID: 0, Status: types.PodStatusProvisioning},
	}
	for _, p := range pods {
		require.NoError(t, store.CreatePod(p))
	}

	exec := pve.NewFakeExecutor().On("pct status", "status: running", nil)
	return NewMonitor(exec, store, nil, Config{Retries: retries}), exec, store
}

func TestMonitorSweepChecksActivePods(t *testing.T) {
	m, exec, _ := newMonitorFixture(t, 1)
	exec.On("pct status 102", "status: stopped", nil)

	report, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Equal(t, []string{"p2"}, report.Unhealthy)
	assert.ElementsMatch(t, []string{"pct status 101", "pct status 102"}, exec.Commands())

	status, ok := m.Status("p2")
	require.True(t, ok)
	assert.False(t, status.Healthy)

	_, ok = m.Status("p3")
	assert.False(t, ok)
}

func TestMonitorPublishesTransitions(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	m, exec, store := newMonitorFixture(t, 2)
	m.broker = broker
	pod, err := store.GetPod("p1")
	require.NoError(t, err)

	exec.On("pct status 101", "status: stopped", nil)
	assert.False(t, m.CheckPod(context.Background(), pod).Healthy)
	assert.False(t, m.CheckPod(context.Background(), pod).Healthy)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventPodUnhealthy, ev.Type)
		assert.Equal(t, "p1", ev.Metadata["pod_id"])
		assert.Equal(t, "101", ev.Metadata["vmid"])
	case <-time.After(time.Second):
		t.Fatal("expected pod.unhealthy event")
	}

	exec.On("pct status 101", "status: running", nil)
	assert.True(t, m.CheckPod(context.Background(), pod).Healthy)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventPodRecovered, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected pod.recovered event")
	}
}

func TestMonitorForgetsRemovedPods(t *testing.T) {
	m, exec, store := newMonitorFixture(t, 1)
	exec.On("pct status 101", "", assert.AnError)

	_, err := m.Sweep(context.Background())
	require.NoError(t, err)
	_, ok := m.Status("p1")
	require.True(t, ok)

	pod, err := store.GetPod("p1")
	require.NoError(t, err)
	pod.Status = types.PodStatusDeleted
	require.NoError(t, store.UpdatePod(pod))

	_, err = m.Sweep(context.Background())
	require.NoError(t, err)
	_, ok = m.Status("p1")
	assert.False(t, ok)
}

func TestMonitorCheckPodByID(t *testing.T) {
	m, _, _ := newMonitorFixture(t, 3)

	result, err := m.CheckPodByID(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, result.Healthy)

	_, err = m.CheckPodByID(context.Background(), "p4")
	assert.Error(t, err)

	_, err = m.CheckPodByID(context.Background(), "missing")
	assert.Error(t, err)
}

func TestMonitorSweepStopsOnCancel(t *testing.T) {
	m, exec, _ := newMonitorFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := m.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, report.Checked)
	assert.Empty(t, exec.Calls())
}
