// Package buildstatus tracks the CI build running against each device and
// broadcasts every change to the device's subscribers.
package buildstatus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/serialbridge/internal/domain"
)

// Build actions accepted by Apply.
const (
	ActionBuildStart = "build-start"
	ActionBuildStop  = "build-stop"
	ActionStagePush  = "stage-push"
	ActionStagePop   = "stage-pop"
	ActionTaskPush   = "task-push"
	ActionTaskPop    = "task-pop"
)

// Update is the body of a build notification.
type Update struct {
	Device    string `json:"device"`
	BuildName string `json:"build_name"`
	BuildLink string `json:"build_link"`
	Stage     string `json:"stage"`
	Task      string `json:"task"`
	Result    string `json:"result"`
}

// Broadcaster delivers an event to every subscriber of a device.
type Broadcaster interface {
	Broadcast(device string, event domain.Event)
}

type deviceBuild struct {
	build  *domain.BuildInfo
	stages []domain.BuildStep
	tasks  []domain.BuildStep
}

type Service struct {
	devices     domain.DeviceDirectory
	broadcaster Broadcaster
	clock       clockwork.Clock

	mu     sync.Mutex
	builds map[string]*deviceBuild

	// latest is what Snapshot reads. The hub calls Snapshot on its loop, so it
	// must never wait for an Apply that is blocked on a broadcast.
	latestMu sync.RWMutex
	latest   map[string]domain.BuildEvent
}

func NewService(devices domain.DeviceDirectory, broadcaster Broadcaster, clock clockwork.Clock) *Service {
	return &Service{
		devices:     devices,
		broadcaster: broadcaster,
		clock:       clock,
		builds:      make(map[string]*deviceBuild),
		latest:      make(map[string]domain.BuildEvent),
	}
}

// Apply performs a build action on u.Device and broadcasts the result.
// Pushing a stage or task requires an active build. Popping an empty stack is a no-op.
func (s *Service) Apply(ctx context.Context, action string, u Update) error {
	if !s.devices.Exists(u.Device) {
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, u.Device)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.stateOf(u.Device)
	now := s.clock.Now().UnixMilli()

	switch action {
	case ActionBuildStart:
		if u.BuildName == "" {
			return fmt.Errorf("%w: build_name is required", domain.ErrInvalidBuildUpdate)
		}
		*b = deviceBuild{build: &domain.BuildInfo{Name: u.BuildName, Link: u.BuildLink, Start: now}}

	case ActionBuildStop:
		*b = deviceBuild{}
		s.publish(u.Device, b)
		slog.InfoContext(ctx, "Build stopped", "device", u.Device, "result", u.Result)
		s.broadcaster.Broadcast(u.Device, domain.BuildStoppedEvent{Action: action, Result: u.Result})
		return nil

	case ActionStagePush:
		if b.build == nil {
			return fmt.Errorf("%w on %s", domain.ErrNoActiveBuild, u.Device)
		}
		if u.Stage == "" {
			return fmt.Errorf("%w: stage is required", domain.ErrInvalidBuildUpdate)
		}
		b.stages = append(b.stages, domain.BuildStep{Name: u.Stage, Start: now})

	case ActionStagePop:
		if len(b.stages) > 0 {
			b.stages = b.stages[:len(b.stages)-1]
		}

	case ActionTaskPush:
		if b.build == nil {
			return fmt.Errorf("%w on %s", domain.ErrNoActiveBuild, u.Device)
		}
		if u.Task == "" {
			return fmt.Errorf("%w: task is required", domain.ErrInvalidBuildUpdate)
		}
		b.tasks = append(b.tasks, domain.BuildStep{Name: u.Task, Start: now})

	case ActionTaskPop:
		if len(b.tasks) > 0 {
			b.tasks = b.tasks[:len(b.tasks)-1]
		}

	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownBuildAction, action)
	}

	s.publish(u.Device, b)
	event := b.event(now)
	event.Action = action
	slog.DebugContext(ctx, "Build status changed", "device", u.Device, "action", action)
	s.broadcaster.Broadcast(u.Device, event)
	return nil
}

// Snapshot returns the current build status of a device, sent to new subscribers.
// A state published before a broadcast is visible here before that broadcast is sent.
func (s *Service) Snapshot(device string) domain.BuildEvent {
	s.latestMu.RLock()
	event := s.latest[device]
	s.latestMu.RUnlock()

	event.Now = s.clock.Now().UnixMilli()
	return event
}

func (s *Service) publish(device string, b *deviceBuild) {
	event := b.event(0)
	s.latestMu.Lock()
	s.latest[device] = event
	s.latestMu.Unlock()
}

func (s *Service) stateOf(device string) *deviceBuild {
	b, ok := s.builds[device]
	if !ok {
		b = &deviceBuild{}
		s.builds[device] = b
	}
	return b
}

// event reports only the innermost stage and task.
func (b *deviceBuild) event(now int64) domain.BuildEvent {
	event := domain.BuildEvent{Now: now}
	if b.build != nil {
		build := *b.build
		event.Build = &build
	}
	if n := len(b.stages); n > 0 {
		stage := b.stages[n-1]
		event.Stage = &stage
	}
	if n := len(b.tasks); n > 0 {
		task := b.tasks[n-1]
		event.Task = &task
	}
	return event
}
