package downstream

import (
	"time"

	"github.com/vladislavdragonenkov/ordering/internal/domain"
)

// TargetConfig — настройки доступа и устойчивости для одного внешнего сервиса.
// Читается один раз при старте и применяется ко всем фактам этого сервиса.
type TargetConfig struct {
	Target  domain.Target
	BaseURL string

	// Authority — адрес сервера авторизации; token endpoint берётся из OIDC discovery,
	// если TokenURL не задан явно.
	Authority    string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scope        string

	MaxAttempts      int
	BackoffBase      time.Duration
	FailureThreshold int
	FailureWindow    time.Duration
	OpenDuration     time.Duration
	Timeout          time.Duration

	// RateLimit — запросов в секунду; 0 отключает ограничение.
	RateLimit float64
	RateBurst int
}

// DefaultTargetConfig возвращает значения по умолчанию: 3 попытки с базой 1s,
// 5 неудач за 30s открывают circuit на 30s.
func DefaultTargetConfig(target domain.Target) TargetConfig {
	return TargetConfig{
		Target:           target,
		MaxAttempts:      3,
		BackoffBase:      time.Second,
		FailureThreshold: 5,
		FailureWindow:    30 * time.Second,
		OpenDuration:     30 * time.Second,
		Timeout:          5 * time.Second,
	}
}

func (c TargetConfig) withDefaults() TargetConfig {
	def := DefaultTargetConfig(c.Target)
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = def.FailureWindow
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = def.OpenDuration
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}

// authenticated сообщает, нужно ли получать токен для сервиса.
func (c TargetConfig) authenticated() bool {
	return c.ClientID != "" && (c.TokenURL != "" || c.Authority != "")
}
