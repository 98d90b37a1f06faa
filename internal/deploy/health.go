package deploy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cyber-agent-runner/internal/config"
)

// ServiceState classifies one monitored service.
type ServiceState string

const (
	ServiceRunning ServiceState = "running"
	ServiceStopped ServiceState = "stopped"
	ServiceError   ServiceState = "error"
)

type ServiceHealth struct {
	Name     string        `json:"name"`
	State    ServiceState  `json:"state"`
	Health   string        `json:"health,omitempty"` // healthy, unhealthy, starting
	Uptime   time.Duration `json:"uptime,omitempty"`
	Critical bool          `json:"critical"`
	Error    string        `json:"error,omitempty"`
}

// OverallStatus summarizes a check across all expected services.
type OverallStatus string

const (
	StatusHealthy   OverallStatus = "healthy"
	StatusDegraded  OverallStatus = "degraded"
	StatusUnhealthy OverallStatus = "unhealthy"
)

type HealthStatus struct {
	Overall   OverallStatus   `json:"overall"`
	Services  []ServiceHealth `json:"services"`
	CheckedAt time.Time       `json:"checked_at"`
}

// HealthMonitor polls the services expected under the manager's current
// mode and fans results out to subscribers. Engine calls inherit the
// shared circuit breaker, so a down daemon turns into error statuses
// instead of a poll storm.
type HealthMonitor struct {
	manager      *Manager
	eng          Engine
	interval     time.Duration
	agentService string
	agentImage   string

	mu     sync.Mutex
	subs   map[int]func(HealthStatus)
	nextID int
	last   *HealthStatus

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewHealthMonitor(cfg *config.Config, manager *Manager, eng Engine) *HealthMonitor {
	return &HealthMonitor{
		manager:      manager,
		eng:          eng,
		interval:     cfg.Health.Interval,
		agentService: cfg.Deployment.AgentService,
		agentImage:   cfg.Deployment.AgentImage,
		subs:         make(map[int]func(HealthStatus)),
		done:         make(chan struct{}),
	}
}

// Start launches the polling loop. It runs until Stop or ctx cancellation.
func (h *HealthMonitor) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		h.runCheck(ctx)

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.runCheck(ctx)
			case <-h.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Info().Dur("interval", h.interval).Msg("health monitor started")
}

// Stop halts polling. Safe to call more than once.
func (h *HealthMonitor) Stop() {
	h.once.Do(func() { close(h.done) })
	h.wg.Wait()
}

// Subscribe registers a callback that receives the latest status
// immediately (when one exists) and after every subsequent check. The
// returned id unsubscribes.
func (h *HealthMonitor) Subscribe(fn func(HealthStatus)) int {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	last := h.last
	h.mu.Unlock()

	if last != nil {
		fn(*last)
	}
	return id
}

func (h *HealthMonitor) Unsubscribe(id int) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

func (h *HealthMonitor) runCheck(ctx context.Context) {
	status := h.Check(ctx)

	h.mu.Lock()
	h.last = &status
	subs := make([]func(HealthStatus), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(status)
	}
}

// Check inspects every service expected under the current mode.
func (h *HealthMonitor) Check(ctx context.Context) HealthStatus {
	services := h.manager.ServicesFor(h.manager.CurrentMode())
	status := HealthStatus{Overall: StatusHealthy, CheckedAt: time.Now()}

	for _, svc := range services {
		sh := h.checkService(ctx, svc)
		status.Services = append(status.Services, sh)

		bad := sh.State != ServiceRunning || sh.Health == "unhealthy"
		if !bad {
			continue
		}
		if sh.Critical {
			status.Overall = StatusUnhealthy
		} else if status.Overall == StatusHealthy {
			status.Overall = StatusDegraded
		}
	}

	return status
}

func (h *HealthMonitor) checkService(ctx context.Context, svc string) ServiceHealth {
	sh := ServiceHealth{Name: svc, Critical: svc == h.agentService}

	info, err := h.eng.Inspect(ctx, svc)
	if err != nil && sh.Critical {
		// Compose decorates names; fall back to image lookup for the agent.
		info, err = h.eng.FindByImage(ctx, h.agentImage)
	}
	if err != nil {
		sh.State = ServiceError
		sh.Error = err.Error()
		return sh
	}

	if info.Running() {
		sh.State = ServiceRunning
		if !info.StartedAt.IsZero() {
			sh.Uptime = time.Since(info.StartedAt).Round(time.Second)
		}
	} else {
		sh.State = ServiceStopped
	}
	sh.Health = info.Health
	return sh
}
