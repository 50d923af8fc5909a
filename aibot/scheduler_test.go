package aibot

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *TaskScheduler {
	t.Helper()
	cfg := &SchedulerConfig{
		TasksFile: filepath.Join(t.TempDir(), "tasks.json"),
	}
	s, err := NewTaskScheduler(cfg, slog.NewTextHandler(io.Discard, nil))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			_ = s.Shutdown()
		},
	)
	return s
}

func noopTask(_ context.Context, _ TaskDefinition) error {
	return nil
}

func intervalTask(name string) TaskDefinition {
	return TaskDefinition{
		Name:            name,
		Type:            TriggerInterval,
		Kind:            "noop",
		Enabled:         true,
		IntervalSeconds: 3600,
	}
}

func TestTaskDefinitionValidate(t *testing.T) {
	runAt := time.Now().Add(time.Hour)
	tests := []struct {
		name    string
		def     TaskDefinition
		wantErr bool
	}{
		{
			name: "valid interval",
			def: TaskDefinition{
				Name: "a", Type: TriggerInterval, Kind: "k",
				IntervalSeconds: 30,
			},
		},
		{
			name: "interval without period",
			def: TaskDefinition{
				Name: "a", Type: TriggerInterval, Kind: "k",
			},
			wantErr: true,
		},
		{
			name: "valid cron",
			def: TaskDefinition{
				Name: "a", Type: TriggerCron, Kind: "k", Cron: "0 12 * * *",
			},
		},
		{
			name: "cron without expression",
			def: TaskDefinition{
				Name: "a", Type: TriggerCron, Kind: "k",
			},
			wantErr: true,
		},
		{
			name: "valid time",
			def: TaskDefinition{
				Name: "a", Type: TriggerTime, Kind: "k", At: "09:30",
			},
		},
		{
			name: "time with bad clock",
			def: TaskDefinition{
				Name: "a", Type: TriggerTime, Kind: "k", At: "25:00",
			},
			wantErr: true,
		},
		{
			name: "valid wait",
			def: TaskDefinition{
				Name: "a", Type: TriggerWait, Kind: "k", RunAt: &runAt,
			},
		},
		{
			name: "wait without run_at",
			def: TaskDefinition{
				Name: "a", Type: TriggerWait, Kind: "k",
			},
			wantErr: true,
		},
		{
			name: "missing name",
			def: TaskDefinition{
				Type: TriggerInterval, Kind: "k", IntervalSeconds: 30,
			},
			wantErr: true,
		},
		{
			name: "missing kind",
			def: TaskDefinition{
				Name: "a", Type: TriggerInterval, IntervalSeconds: 30,
			},
			wantErr: true,
		},
		{
			name: "unknown trigger",
			def: TaskDefinition{
				Name: "a", Type: "sometimes", Kind: "k",
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				err := tt.def.validate()
				if tt.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
			},
		)
	}
}

func TestParseClockTime(t *testing.T) {
	hour, minute, err := parseClockTime("09:30")
	require.NoError(t, err)
	assert.Equal(t, 9, hour)
	assert.Equal(t, 30, minute)

	hour, minute, err = parseClockTime("0:05")
	require.NoError(t, err)
	assert.Equal(t, 0, hour)
	assert.Equal(t, 5, minute)

	for _, bad := range []string{"", "12", "24:00", "12:60", "ab:cd", "-1:30"} {
		_, _, err = parseClockTime(bad)
		assert.Error(t, err, "input: %q", bad)
	}
}

func TestSchedulerAdd(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterHandler("noop", noopTask)

	require.NoError(t, s.Add(intervalTask("hourly")))

	statuses := s.List()
	require.Len(t, statuses, 1)
	assert.Equal(t, "hourly", statuses[0].Name)
	assert.True(t, statuses[0].Running)
}

func TestSchedulerAddDuplicate(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterHandler("noop", noopTask)

	require.NoError(t, s.Add(intervalTask("hourly")))
	assert.ErrorIs(t, s.Add(intervalTask("hourly")), ErrTaskExists)
}

func TestSchedulerAddUnknownKind(t *testing.T) {
	s := newTestScheduler(t)

	def := intervalTask("hourly")
	def.Kind = "nobody-registered-this"
	assert.ErrorIs(t, s.Add(def), ErrUnknownKind)
}

func TestSchedulerAddInvalidDefinition(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterHandler("noop", noopTask)

	def := intervalTask("hourly")
	def.IntervalSeconds = 0
	assert.Error(t, s.Add(def))
	assert.Empty(t, s.List())
}

func TestSchedulerStartStopTask(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterHandler("noop", noopTask)
	require.NoError(t, s.Add(intervalTask("hourly")))

	require.NoError(t, s.StopTask("hourly"))
	statuses := s.List()
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Running)
	assert.False(t, statuses[0].Enabled)

	// stopping twice is an error
	assert.ErrorIs(t, s.StopTask("hourly"), ErrTaskNotRunning)

	require.NoError(t, s.StartTask("hourly"))
	statuses = s.List()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Running)
	assert.True(t, statuses[0].Enabled)

	// starting an armed task is a no-op
	assert.NoError(t, s.StartTask("hourly"))

	assert.ErrorIs(t, s.StartTask("missing"), ErrTaskNotFound)
	assert.ErrorIs(t, s.StopTask("missing"), ErrTaskNotFound)
}

func TestSchedulerRemove(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterHandler("noop", noopTask)
	require.NoError(t, s.Add(intervalTask("hourly")))

	require.NoError(t, s.Remove("hourly"))
	assert.Empty(t, s.List())
	assert.ErrorIs(t, s.Remove("hourly"), ErrTaskNotFound)
}

func TestSchedulerListSorted(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterHandler("noop", noopTask)
	for _, name := range []string{"zebra", "alpha", "middle"} {
		require.NoError(t, s.Add(intervalTask(name)))
	}

	statuses := s.List()
	require.Len(t, statuses, 3)
	assert.Equal(t, "alpha", statuses[0].Name)
	assert.Equal(t, "middle", statuses[1].Name)
	assert.Equal(t, "zebra", statuses[2].Name)
}

func TestSchedulerPersistAndLoad(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterHandler("noop", noopTask)

	def := intervalTask("hourly")
	def.Payload = map[string]string{"channel_id": "123"}
	require.NoError(t, s.Add(def))

	data, err := os.ReadFile(s.file)
	require.NoError(t, err)
	var persisted []TaskDefinition
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Len(t, persisted, 1)
	assert.Equal(t, "hourly", persisted[0].Name)
	assert.Equal(t, "123", persisted[0].Payload["channel_id"])

	reloaded, err := NewTaskScheduler(
		&SchedulerConfig{TasksFile: s.file},
		slog.NewTextHandler(io.Discard, nil),
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			_ = reloaded.Shutdown()
		},
	)
	require.NoError(t, reloaded.Load())

	statuses := reloaded.List()
	require.Len(t, statuses, 1)
	assert.Equal(t, "hourly", statuses[0].Name)
	assert.Equal(t, TriggerInterval, statuses[0].Type)
	assert.False(t, statuses[0].Running)
}

func TestSchedulerLoadMissingFile(t *testing.T) {
	s := newTestScheduler(t)
	assert.NoError(t, s.Load())
}

func TestSchedulerStartDropsExpiredOneShot(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterHandler("noop", noopTask)

	past := time.Now().Add(-time.Hour)
	s.defs["stale"] = &TaskDefinition{
		Name:    "stale",
		Type:    TriggerWait,
		Kind:    "noop",
		Enabled: true,
		RunAt:   &past,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	assert.Empty(t, s.List())
}

func TestSchedulerOneShotFires(t *testing.T) {
	s := newTestScheduler(t)
	fired := make(chan TaskDefinition, 1)
	s.RegisterHandler(
		"notify", func(_ context.Context, def TaskDefinition) error {
			select {
			case fired <- def:
			default:
			}
			return nil
		},
	)

	runAt := time.Now().Add(200 * time.Millisecond)
	require.NoError(
		t, s.Add(
			TaskDefinition{
				Name:    "soon",
				Type:    TriggerWait,
				Kind:    "notify",
				Enabled: true,
				RunAt:   &runAt,
				Payload: map[string]string{"message": "hello"},
			},
		),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	select {
	case def := <-fired:
		assert.Equal(t, "soon", def.Name)
		assert.Equal(t, "hello", def.Payload["message"])
	case <-time.After(5 * time.Second):
		t.Fatal("one-shot task did not fire")
	}

	// the definition is removed after firing
	assert.Eventually(
		t, func() bool {
			return len(s.List()) == 0
		}, 5*time.Second, 50*time.Millisecond,
	)
}

func TestSchedulerTimeTrigger(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterHandler("noop", noopTask)

	require.NoError(
		t, s.Add(
			TaskDefinition{
				Name:    "daily",
				Type:    TriggerTime,
				Kind:    "noop",
				Enabled: true,
				At:      "09:30",
			},
		),
	)
	statuses := s.List()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Running)
}

func TestSchedulerCronTrigger(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterHandler("noop", noopTask)

	require.NoError(
		t, s.Add(
			TaskDefinition{
				Name:    "nightly",
				Type:    TriggerCron,
				Kind:    "noop",
				Enabled: true,
				Cron:    "0 3 * * *",
			},
		),
	)
	statuses := s.List()
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Running)
}

func TestSchedulerStartAllStopAll(t *testing.T) {
	s := newTestScheduler(t)
	s.RegisterHandler("noop", noopTask)
	require.NoError(t, s.Add(intervalTask("alpha")))
	require.NoError(t, s.Add(intervalTask("beta")))
	require.NoError(t, s.StopTask("beta"))

	require.NoError(t, s.StopAll())
	for _, status := range s.List() {
		assert.False(t, status.Running, status.Name)
		assert.False(t, status.Enabled, status.Name)
	}

	require.NoError(t, s.StartAll())
	for _, status := range s.List() {
		assert.True(t, status.Running, status.Name)
		assert.True(t, status.Enabled, status.Name)
	}

	// idempotent on already-armed tasks
	require.NoError(t, s.StartAll())
}
