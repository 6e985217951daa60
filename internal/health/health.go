package health

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

const defaultCheckTimeout = 2 * time.Second

// Status представляет статус компонента
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check представляет проверку здоровья компонента
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response представляет ответ health check
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker интерфейс для проверки здоровья компонента
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler обрабатывает health check запросы
type Handler struct {
	mu        sync.RWMutex
	checkers  map[string]Checker
	version   string
	startTime time.Time
	timeout   time.Duration
}

// NewHandler создаёт новый health handler
func NewHandler(version string) *Handler {
	return &Handler{
		checkers:  make(map[string]Checker),
		version:   version,
		startTime: time.Now(),
		timeout:   defaultCheckTimeout,
	}
}

// RegisterChecker регистрирует проверку компонента
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

func (h *Handler) run(ctx context.Context) (Status, map[string]Check) {
	h.mu.RLock()
	checkers := maps.Clone(h.checkers)
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	checks := make(map[string]Check, len(checkers))
	overall := StatusHealthy
	for name, checker := range checkers {
		check := checker.Check(ctx)
		checks[name] = check

		switch {
		case check.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case check.Status == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	return overall, checks
}

// ServeHTTP отдаёт подробный отчёт по всем проверкам
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	overall, checks := h.run(r.Context())

	response := Response{
		Status:        overall,
		Timestamp:     time.Now(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}

	statusCode := http.StatusOK
	if overall == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler простой liveness probe (всегда возвращает 200)
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler проверяет готовность к обработке запросов.
// Degraded (открытый circuit) готовности не снимает: факты копятся в outbox.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if overall, _ := h.run(r.Context()); overall == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// SimpleChecker простая проверка с функцией
type SimpleChecker struct {
	name    string
	checkFn func(ctx context.Context) error
}

// NewSimpleChecker создаёт простую проверку
func NewSimpleChecker(name string, checkFn func(ctx context.Context) error) *SimpleChecker {
	return &SimpleChecker{
		name:    name,
		checkFn: checkFn,
	}
}

// Check выполняет проверку
func (c *SimpleChecker) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.checkFn(ctx)
	check := Check{
		Name:       c.name,
		Status:     StatusHealthy,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// Pinger проверяет соединение с хранилищем.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewStorageChecker проверяет доступность хранилища.
func NewStorageChecker(store Pinger) *SimpleChecker {
	return NewSimpleChecker("storage", store.Ping)
}

// CircuitChecker сообщает degraded, пока хотя бы один circuit не закрыт.
type CircuitChecker struct {
	circuits domain.CircuitReporter
}

// NewCircuitChecker создаёт проверку предохранителей downstream-клиента.
func NewCircuitChecker(circuits domain.CircuitReporter) *CircuitChecker {
	return &CircuitChecker{circuits: circuits}
}

// Check перечисляет сервисы с открытым или полуоткрытым circuit.
func (c *CircuitChecker) Check(context.Context) Check {
	start := time.Now()
	var tripped []string
	for _, state := range c.circuits.Circuits() {
		if state.Status != domain.CircuitClosed {
			tripped = append(tripped, fmt.Sprintf("%s=%s", state.Target, state.Status))
		}
	}

	check := Check{
		Name:       "downstream",
		Status:     StatusHealthy,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if len(tripped) > 0 {
		check.Status = StatusDegraded
		check.Message = "circuits not closed: " + strings.Join(tripped, ", ")
	}
	return check
}
