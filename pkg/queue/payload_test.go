package queue

import (
	"encoding/json"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/cuemby/cloudpods/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func validCreate() CreatePayload {
	return CreatePayload{
		TenantID:    "t1",
		VMID:        101,
		Hostname:    "web-1",
		Cores:       2,
		MemoryMB:    2048,
		DiskGB:      20,
		Region:      "eu",
		RequestedBy: "u1",
	}
}

func TestPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{"create ok", validCreate(), false},
		{"create without tenant", func() Payload { p := validCreate(); p.TenantID = ""; return p }(), true},
		{"create zero cores", func() Payload { p := validCreate(); p.Cores = 0; return p }(), true},
		{"create negative disk", func() Payload { p := validCreate(); p.DiskGB = -1; return p }(), true},
		{"destroy ok", DestroyPayload{TenantID: "t1", VMID: 101, CloudPodID: "p1", RequestedBy: "u1"}, false},
		{"destroy without pod", DestroyPayload{TenantID: "t1", VMID: 101, RequestedBy: "u1"}, true},
		{"backup ok", BackupPayload{TenantID: "t1", VMID: 101, CloudPodID: "p1", Mode: BackupModeSnapshot, TriggeredBy: TriggerManual}, false},
		{"backup bad mode", BackupPayload{TenantID: "t1", VMID: 101, CloudPodID: "p1", Mode: "quick", TriggeredBy: TriggerManual}, true},
		{"backup bad trigger", BackupPayload{TenantID: "t1", VMID: 101, CloudPodID: "p1", Mode: BackupModeStop, TriggeredBy: "cron"}, true},
		{"health sweep", NewSweepPayload(), false},
		{"health single", HealthPayload{TenantID: "t1", VMID: 101, CloudPodID: "p1", TriggeredBy: TriggerManual}, false},
		{"health half sentinel", HealthPayload{TenantID: "t1", VMID: 101, CloudPodID: SweepPodID, TriggeredBy: TriggerManual}, true},
		{"health zero vmid", HealthPayload{TenantID: "t1", VMID: 0, CloudPodID: "p1", TriggeredBy: TriggerManual}, true},
		{"scale ok", ScalePayload{TenantID: "t1", VMID: 101, CloudPodID: "p1", CurrentCores: 2, CurrentMemoryMB: 2048, NewCores: 4, NewMemoryMB: 4096, RequestedBy: "u1"}, false},
		{"scale to zero", ScalePayload{TenantID: "t1", VMID: 101, CloudPodID: "p1", NewCores: 0, NewMemoryMB: 4096, RequestedBy: "u1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errdefs.IsInvalidArgument(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBackupPayloadType(t *testing.T) {
	p := BackupPayload{}
	assert.Equal(t, types.BackupTypeSnapshot, p.Type())

	full := types.BackupTypeFull
	p.BackupType = &full
	assert.Equal(t, types.BackupTypeFull, p.Type())
}

func TestSweepPayload(t *testing.T) {
	p := NewSweepPayload()
	assert.True(t, p.IsSweep())
	assert.Equal(t, "system", p.TenantID)
	assert.Equal(t, 0, p.Target())

	single := HealthPayload{TenantID: "t1", VMID: 101, CloudPodID: "p1", TriggeredBy: TriggerManual}
	assert.False(t, single.IsSweep())
}

func TestJobPayloadDecodes(t *testing.T) {
	in := BackupPayload{
		TenantID:    "t1",
		VMID:        101,
		CloudPodID:  "p1",
		Mode:        BackupModeSnapshot,
		TriggeredBy: TriggerSchedule,
		PolicyID:    strPtr("pol-1"),
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	job := &Job{ID: "j1", Queue: QueueBackup, Data: data}
	out, err := job.Payload()
	require.NoError(t, err)

	backup, ok := out.(BackupPayload)
	require.True(t, ok)
	assert.Equal(t, in, backup)
	assert.Nil(t, backup.SnapshotName)
}

func TestJobPayloadUnknownQueue(t *testing.T) {
	job := &Job{ID: "j1", Queue: "migrate", Data: []byte(`{}`)}
	_, err := job.Payload()
	assert.Error(t, err)
}

func TestOptionalFieldsOmitted(t *testing.T) {
	data, err := json.Marshal(DestroyPayload{TenantID: "t1", VMID: 101, CloudPodID: "p1", RequestedBy: "u1"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "reason")
}
