package tracksync

import (
	"time"

	"github.com/BearBump/PartSync/internal/syncerr"
)

type PlannerConfig struct {
	CredentialsBackoff time.Duration // default: 6 hours
	TransientFloor     time.Duration // default: 15 minutes
}

func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		CredentialsBackoff: 6 * time.Hour,
		TransientFloor:     15 * time.Minute,
	}
}

// Planner decides when a reference is checked next.
type Planner struct {
	cfg PlannerConfig
}

func NewPlanner(cfg PlannerConfig) *Planner {
	def := DefaultPlannerConfig()
	if cfg.CredentialsBackoff <= 0 {
		cfg.CredentialsBackoff = def.CredentialsBackoff
	}
	if cfg.TransientFloor <= 0 {
		cfg.TransientFloor = def.TransientFloor
	}
	return &Planner{cfg: cfg}
}

// NextCheck after a successful fetch: nil once delivered (terminal).
func (p *Planner) NextCheck(now time.Time, interval time.Duration, delivered bool) *time.Time {
	if delivered {
		return nil
	}
	t := now.Add(interval)
	return &t
}

// Backoff after a failed fetch. terminal=true means the reference leaves the schedule.
func (p *Planner) Backoff(err error, interval time.Duration) (delay time.Duration, terminal bool) {
	switch syncerr.KindOf(err) {
	case syncerr.UnsupportedProvider:
		return 0, true
	case syncerr.CredentialsMissing:
		return p.cfg.CredentialsBackoff, false
	case syncerr.AuthFailure:
		// креды отвергнуты на token endpoint: ждём, пока их поправят
		if syncerr.OpOf(err) == syncerr.OpToken {
			return p.cfg.CredentialsBackoff, false
		}
		// токен отклонён на запросе трекинга: адаптер его уже сбросил, следующий цикл авторизуется заново
		return interval, false
	default:
		return max(interval, p.cfg.TransientFloor), false
	}
}
