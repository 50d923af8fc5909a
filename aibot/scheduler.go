package aibot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/lmittmann/tint"
)

// TriggerType selects how a scheduled task fires.
type TriggerType string

const (
	// TriggerInterval fires every IntervalSeconds
	TriggerInterval TriggerType = "interval"
	// TriggerCron fires on a crontab expression
	TriggerCron TriggerType = "cron"
	// TriggerTime fires daily at At (HH:MM) in Timezone
	TriggerTime TriggerType = "time"
	// TriggerWait fires once at RunAt, then the definition is removed
	TriggerWait TriggerType = "wait"
)

// Built-in task kinds registered by the bot on startup.
const (
	TaskKindRoleColor      = "role_color"
	TaskKindSessionCleanup = "session_cleanup"
	TaskKindRequestReset   = "request_reset"
	TaskKindReminder       = "reminder"
)

var (
	ErrTaskExists     = errors.New("task already exists")
	ErrTaskNotFound   = errors.New("task not found")
	ErrUnknownKind    = errors.New("no handler registered for task kind")
	ErrTaskNotRunning = errors.New("task is not running")
)

// TaskFunc executes one run of a scheduled task.
type TaskFunc func(ctx context.Context, def TaskDefinition) error

// TaskDefinition describes one scheduled task. Definitions are
// persisted to the scheduler's JSON file and re-armed on startup.
type TaskDefinition struct {
	// Name uniquely identifies the task, and tags its gocron job
	Name string `json:"name"`

	// Type selects the trigger
	Type TriggerType `json:"type"`

	// Kind selects the registered handler that runs the task
	Kind string `json:"kind"`

	// Enabled tasks are armed on startup
	Enabled bool `json:"enabled"`

	// IntervalSeconds is the period for interval triggers
	IntervalSeconds float64 `json:"interval_seconds,omitempty"`

	// Cron is the crontab expression for cron triggers
	Cron string `json:"cron,omitempty"`

	// At is the daily fire time (HH:MM) for time triggers
	At string `json:"at,omitempty"`

	// Timezone applies to cron and time triggers. Empty uses the
	// scheduler's timezone.
	Timezone string `json:"timezone,omitempty"`

	// RunAt is the fire time for wait triggers
	RunAt *time.Time `json:"run_at,omitempty"`

	// Payload carries handler-specific data (e.g. a reminder's channel
	// and message)
	Payload map[string]string `json:"payload,omitempty"`
}

func (t TaskDefinition) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("name", t.Name),
		slog.String("type", string(t.Type)),
		slog.String("kind", t.Kind),
		slog.Bool("enabled", t.Enabled),
	}
	switch t.Type {
	case TriggerInterval:
		attrs = append(attrs, slog.Float64("interval_seconds", t.IntervalSeconds))
	case TriggerCron:
		attrs = append(attrs, slog.String("cron", t.Cron))
	case TriggerTime:
		attrs = append(attrs, slog.String("at", t.At))
	case TriggerWait:
		if t.RunAt != nil {
			attrs = append(attrs, slog.Time("run_at", *t.RunAt))
		}
	}
	return slog.GroupValue(attrs...)
}

func (t TaskDefinition) validate() error {
	if t.Name == "" {
		return errors.New("task name is required")
	}
	if t.Kind == "" {
		return errors.New("task kind is required")
	}
	switch t.Type {
	case TriggerInterval:
		if t.IntervalSeconds <= 0 {
			return errors.New("interval_seconds must be > 0")
		}
	case TriggerCron:
		if t.Cron == "" {
			return errors.New("cron expression is required")
		}
	case TriggerTime:
		if _, _, err := parseClockTime(t.At); err != nil {
			return err
		}
	case TriggerWait:
		if t.RunAt == nil {
			return errors.New("run_at is required")
		}
	default:
		return fmt.Errorf("unknown trigger type: %q", t.Type)
	}
	return nil
}

func parseClockTime(at string) (hour int, minute int, err error) {
	parts := strings.SplitN(at, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", at)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", at)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", at)
	}
	return hour, minute, nil
}

// TaskScheduler wraps gocron with named, JSON-persisted task
// definitions. Each armed task is tagged with its name so it can be
// stopped and restarted individually.
type TaskScheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	logger    *slog.Logger
	file      string
	location  *time.Location
	defs      map[string]*TaskDefinition
	armed     map[string]bool
	handlers  map[string]TaskFunc
	ctx       context.Context
}

// NewTaskScheduler creates a scheduler in the configured timezone. Call
// Load to read persisted definitions and Start to begin firing.
func NewTaskScheduler(
	cfg *SchedulerConfig,
	handler slog.Handler,
) (*TaskScheduler, error) {
	location := time.UTC
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
		location = loc
	}

	scheduler, err := gocron.NewScheduler(gocron.WithLocation(location))
	if err != nil {
		return nil, fmt.Errorf("error creating scheduler: %w", err)
	}

	return &TaskScheduler{
		scheduler: scheduler,
		logger:    slog.New(handler).With(loggerNameKey, "scheduler"),
		file:      cfg.TasksFile,
		location:  location,
		defs:      map[string]*TaskDefinition{},
		armed:     map[string]bool{},
		handlers:  map[string]TaskFunc{},
		ctx:       context.Background(),
	}, nil
}

// RegisterHandler binds a task kind to the function that runs it.
// Definitions with an unregistered kind fail to arm.
func (s *TaskScheduler) RegisterHandler(kind string, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = fn
}

// Load reads persisted task definitions from the JSON file. A missing
// file is not an error.
func (s *TaskScheduler) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error reading tasks file: %w", err)
	}

	var defs []TaskDefinition
	if err = json.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("error parsing tasks file: %w", err)
	}
	for i := range defs {
		def := defs[i]
		s.defs[def.Name] = &def
	}
	s.logger.Info("loaded task definitions", "count", len(defs))
	return nil
}

// Start begins firing. Enabled definitions are armed; expired one-shot
// tasks are dropped.
func (s *TaskScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx

	var errs []error
	for name, def := range s.defs {
		if def.Type == TriggerWait && def.RunAt != nil &&
			def.RunAt.Before(time.Now()) {
			s.logger.Warn("dropping expired one-shot task", "task", *def)
			delete(s.defs, name)
			continue
		}
		if !def.Enabled {
			continue
		}
		if err := s.armLocked(*def); err != nil {
			errs = append(errs, fmt.Errorf("task %q: %w", name, err))
		}
	}
	if err := s.persistLocked(); err != nil {
		errs = append(errs, err)
	}

	s.scheduler.Start()
	return errors.Join(errs...)
}

// Shutdown stops the scheduler and all armed tasks.
func (s *TaskScheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}

// Add persists a new task definition, arming it immediately when
// enabled.
func (s *TaskScheduler) Add(def TaskDefinition) error {
	if err := def.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.defs[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrTaskExists, def.Name)
	}
	if _, ok := s.handlers[def.Kind]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, def.Kind)
	}

	s.defs[def.Name] = &def
	if def.Enabled {
		if err := s.armLocked(def); err != nil {
			delete(s.defs, def.Name)
			return err
		}
	}
	return s.persistLocked()
}

// Remove deletes a task definition, disarming it first.
func (s *TaskScheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.defs[name]; !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	s.disarmLocked(name)
	delete(s.defs, name)
	return s.persistLocked()
}

// Start arms a stopped task and marks it enabled.
func (s *TaskScheduler) StartTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, exists := s.defs[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	if s.armed[name] {
		return nil
	}
	if err := s.armLocked(*def); err != nil {
		return err
	}
	def.Enabled = true
	return s.persistLocked()
}

// StopTask disarms a task but keeps its definition, marked disabled.
func (s *TaskScheduler) StopTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, exists := s.defs[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	if !s.armed[name] {
		return fmt.Errorf("%w: %s", ErrTaskNotRunning, name)
	}
	s.disarmLocked(name)
	def.Enabled = false
	return s.persistLocked()
}

// RestartTask disarms and re-arms a task, picking up definition changes.
func (s *TaskScheduler) RestartTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	def, exists := s.defs[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	s.disarmLocked(name)
	if err := s.armLocked(*def); err != nil {
		return err
	}
	def.Enabled = true
	return s.persistLocked()
}

// StartAll arms every task definition.
func (s *TaskScheduler) StartAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, def := range s.defs {
		if s.armed[name] {
			continue
		}
		if err := s.armLocked(*def); err != nil {
			errs = append(errs, fmt.Errorf("task %q: %w", name, err))
			continue
		}
		def.Enabled = true
	}
	errs = append(errs, s.persistLocked())
	return errors.Join(errs...)
}

// StopAll disarms every running task.
func (s *TaskScheduler) StopAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, def := range s.defs {
		if !s.armed[name] {
			continue
		}
		s.disarmLocked(name)
		def.Enabled = false
	}
	return s.persistLocked()
}

// TaskStatus pairs a definition with whether it's currently armed.
type TaskStatus struct {
	TaskDefinition
	Running bool       `json:"running"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

// List returns every task definition, sorted by name.
func (s *TaskScheduler) List() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	nextRuns := map[string]time.Time{}
	for _, job := range s.scheduler.Jobs() {
		next, err := job.NextRun()
		if err != nil {
			continue
		}
		for _, tag := range job.Tags() {
			nextRuns[tag] = next
		}
	}

	result := make([]TaskStatus, 0, len(s.defs))
	for name, def := range s.defs {
		status := TaskStatus{TaskDefinition: *def, Running: s.armed[name]}
		if next, ok := nextRuns[name]; ok {
			status.NextRun = &next
		}
		result = append(result, status)
	}
	sort.Slice(
		result, func(i, j int) bool {
			return result[i].Name < result[j].Name
		},
	)
	return result
}

// armLocked creates the gocron job for a definition. Callers hold s.mu.
func (s *TaskScheduler) armLocked(def TaskDefinition) error {
	handler, ok := s.handlers[def.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKind, def.Kind)
	}

	jobDef, err := s.jobDefinition(def)
	if err != nil {
		return err
	}

	run := func() {
		s.runTask(def, handler)
	}

	if _, err = s.scheduler.NewJob(
		jobDef,
		gocron.NewTask(run),
		gocron.WithTags(def.Name),
	); err != nil {
		return fmt.Errorf("error scheduling task %q: %w", def.Name, err)
	}
	s.armed[def.Name] = true
	s.logger.Info("armed task", "task", def)
	return nil
}

// disarmLocked removes the gocron job for a task. Callers hold s.mu.
func (s *TaskScheduler) disarmLocked(name string) {
	s.scheduler.RemoveByTags(name)
	delete(s.armed, name)
}

func (s *TaskScheduler) runTask(def TaskDefinition, handler TaskFunc) {
	started := time.Now()
	err := handler(s.ctx, def)
	if err != nil {
		s.logger.Error(
			"task failed",
			"task", def,
			"duration", time.Since(started),
			tint.Err(err),
		)
	} else {
		s.logger.Debug(
			"task completed",
			"task", def,
			"duration", time.Since(started),
		)
	}

	// one-shot tasks are removed after firing
	if def.Type == TriggerWait {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.disarmLocked(def.Name)
		delete(s.defs, def.Name)
		if persistErr := s.persistLocked(); persistErr != nil {
			s.logger.Error(
				"error persisting tasks after one-shot run",
				tint.Err(persistErr),
			)
		}
	}
}

func (s *TaskScheduler) jobDefinition(def TaskDefinition) (
	gocron.JobDefinition,
	error,
) {
	switch def.Type {
	case TriggerInterval:
		interval := time.Duration(def.IntervalSeconds * float64(time.Second))
		return gocron.DurationJob(interval), nil
	case TriggerCron:
		expr := def.Cron
		if def.Timezone != "" {
			expr = fmt.Sprintf("CRON_TZ=%s %s", def.Timezone, def.Cron)
		}
		return gocron.CronJob(expr, false), nil
	case TriggerTime:
		hour, minute, err := parseClockTime(def.At)
		if err != nil {
			return nil, err
		}
		if def.Timezone != "" && def.Timezone != s.location.String() {
			hour, minute, err = convertClockTime(
				hour,
				minute,
				def.Timezone,
				s.location,
			)
			if err != nil {
				return nil, err
			}
		}
		return gocron.DailyJob(
			1,
			gocron.NewAtTimes(gocron.NewAtTime(uint(hour), uint(minute), 0)),
		), nil
	case TriggerWait:
		return gocron.OneTimeJob(
			gocron.OneTimeJobStartDateTime(*def.RunAt),
		), nil
	default:
		return nil, fmt.Errorf("unknown trigger type: %q", def.Type)
	}
}

// convertClockTime translates a wall-clock time from tz into the
// scheduler's location, using today's date for the offset.
func convertClockTime(
	hour int,
	minute int,
	tz string,
	to *time.Location,
) (int, int, error) {
	from, err := time.LoadLocation(tz)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	now := time.Now().In(from)
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, from)
	converted := at.In(to)
	return converted.Hour(), converted.Minute(), nil
}

// persistLocked writes all definitions to the tasks file atomically.
// Callers hold s.mu.
func (s *TaskScheduler) persistLocked() error {
	defs := make([]TaskDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		defs = append(defs, *def)
	}
	sort.Slice(
		defs, func(i, j int) bool {
			return defs[i].Name < defs[j].Name
		},
	)

	data, err := json.MarshalIndent(defs, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling tasks: %w", err)
	}

	dir := filepath.Dir(s.file)
	tmp, err := os.CreateTemp(dir, ".tasks-*.json")
	if err != nil {
		return fmt.Errorf("error creating temp tasks file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("error writing tasks file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("error closing tasks file: %w", err)
	}
	if err = os.Rename(tmpName, s.file); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("error replacing tasks file: %w", err)
	}
	return nil
}
