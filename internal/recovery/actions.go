package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"threatguard/internal/blocklist"
	"threatguard/internal/config"
	"threatguard/internal/model"
)

var (
	ErrNoTarget    = errors.New("event carries no target for this action")
	ErrUnavailable = errors.New("collaborator unavailable")
)

// cycle is the per-incident execution state. It is confined to the
// goroutine running Respond.
type cycle struct {
	o        *Orchestrator
	cfg      *config.Config
	inc      *model.SecurityIncident
	ev       model.SecurityEvent
	a        model.ThreatAssessment
	executed map[model.SecurityAction]bool
}

type outcome struct {
	target   string
	message  string
	followUp []model.SecurityAction
}

func (c *cycle) followUp(act model.SecurityAction) {
	for _, f := range c.inc.FollowUps {
		if f == act {
			return
		}
	}
	c.inc.FollowUps = append(c.inc.FollowUps, act)
}

// execute runs action with up to retries extra attempts, records the result
// on the incident and audits it.
func (c *cycle) execute(ctx context.Context, action model.SecurityAction, retries int, timeout time.Duration) model.RecoveryActionResult {
	var res model.RecoveryActionResult
	for attempt := 0; ; attempt++ {
		var err error
		res, err = c.attempt(ctx, action, timeout)
		if err == nil || attempt >= retries || !retryable(err) || ctx.Err() != nil {
			break
		}
		c.o.logger.Debug("retrying recovery action", "incident_id", c.inc.ID, "action", action, "attempt", attempt+1, "err", err)
	}
	c.executed[action] = true
	c.inc.Actions = append(c.inc.Actions, res)
	for _, f := range res.FollowUp {
		c.followUp(f)
	}
	if action == model.ActionEscalateSecurity && res.Success {
		c.inc.AddTag("escalated")
	}
	c.o.collectors.ObserveAction(string(action), res.Success)
	c.o.auditAction(c.inc, res)
	return res
}

func (c *cycle) attempt(ctx context.Context, action model.SecurityAction, timeout time.Duration) (res model.RecoveryActionResult, err error) {
	start := c.o.now()
	res = model.RecoveryActionResult{Action: action, ExecutedAt: start}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v", r)
			res.Success = false
			res.Message = err.Error()
		}
		res.Duration = c.o.now().Sub(start)
	}()
	out, err := c.handle(ctx, action)
	res.Target = out.target
	if err != nil {
		res.Message = err.Error()
		return res, err
	}
	if err := ctx.Err(); err != nil {
		res.Message = fmt.Sprintf("%s: %v", action, err)
		return res, err
	}
	res.Success = true
	res.Message = out.message
	res.FollowUp = out.followUp
	return res, nil
}

func retryable(err error) bool {
	return !errors.Is(err, ErrNoTarget) &&
		!errors.Is(err, ErrUnavailable) &&
		!errors.Is(err, blocklist.ErrTrusted) &&
		!errors.Is(err, context.Canceled)
}

// handle dispatches one action. Every model.SecurityAction has a case.
func (c *cycle) handle(ctx context.Context, action model.SecurityAction) (outcome, error) {
	o := c.o
	ev := c.ev
	rc := c.cfg.Recovery
	reason := fmt.Sprintf("incident %s: %s (%s)", c.inc.ID, ev.Kind, c.a.Level)

	switch action {
	case model.ActionMonitor, model.ActionLog:
		return outcome{target: ev.ClientIP, message: "recorded for audit"}, nil

	case model.ActionRateLimit:
		if ev.ClientIP == "" {
			return outcome{}, fmt.Errorf("rate_limit: %w", ErrNoTarget)
		}
		if o.limiter == nil {
			return outcome{target: ev.ClientIP}, fmt.Errorf("rate_limit: rate limiter: %w", ErrUnavailable)
		}
		ttl := c.a.BlockDuration
		if ttl <= 0 {
			ttl = c.cfg.Assessment.BlockDurations.Moderate
		}
		p, err := o.limiter.SetPolicy(ev.ClientIP, rc.RateLimitPolicyLimit, rc.RateLimitPolicyWindow, ttl)
		if err != nil {
			return outcome{target: ev.ClientIP}, fmt.Errorf("rate_limit: %w", err)
		}
		return outcome{
			target:  ev.ClientIP,
			message: fmt.Sprintf("limited to %d requests per %s until %s", p.Limit, p.Window, p.ExpiresAt.Format(time.RFC3339)),
		}, nil

	case model.ActionTemporaryBlock, model.ActionPermanentBlock:
		if ev.ClientIP == "" {
			return outcome{}, fmt.Errorf("%s: %w", action, ErrNoTarget)
		}
		d := time.Duration(0)
		if action == model.ActionTemporaryBlock {
			d = c.a.BlockDuration
			if d <= 0 {
				d = c.cfg.Assessment.BlockDurations.High
			}
		}
		if _, err := o.registry.Add(blocklist.KindIPBlock, ev.ClientIP, d, reason); err != nil {
			return outcome{target: ev.ClientIP}, fmt.Errorf("%s: %w", action, err)
		}
		msg := "blocked permanently"
		if d > 0 {
			msg = "blocked for " + d.String()
		}
		return outcome{target: ev.ClientIP, message: msg}, nil

	case model.ActionAccountLockout:
		if ev.UserID == "" {
			return outcome{}, fmt.Errorf("account_lockout: %w", ErrNoTarget)
		}
		target := "user:" + ev.UserID
		if o.locker != nil {
			if err := o.locker.LockAccount(ctx, ev.UserID, rc.LockoutDuration, reason); err != nil {
				return outcome{target: target}, fmt.Errorf("account_lockout: %w", err)
			}
		}
		if _, err := o.registry.Add(blocklist.KindAccountLock, target, rc.LockoutDuration, reason); err != nil {
			return outcome{target: target}, fmt.Errorf("account_lockout: %w", err)
		}
		return outcome{target: target, message: "account locked for " + rc.LockoutDuration.String()}, nil

	case model.ActionTerminateSession:
		if ev.SessionID == "" {
			return outcome{}, fmt.Errorf("terminate_session: %w", ErrNoTarget)
		}
		if o.sessions != nil {
			if err := o.sessions.TerminateSession(ctx, ev.SessionID); err != nil {
				return outcome{target: ev.SessionID}, fmt.Errorf("terminate_session: %w", err)
			}
		}
		if _, err := o.registry.Add(blocklist.KindSessionRevoked, ev.SessionID, rc.MonitoringDuration, reason); err != nil {
			return outcome{target: ev.SessionID}, fmt.Errorf("terminate_session: %w", err)
		}
		return outcome{target: ev.SessionID, message: "session revoked"}, nil

	case model.ActionQuarantineFile:
		ref := ev.FileRef()
		if ref == "" {
			return outcome{}, fmt.Errorf("quarantine_file: %w", ErrNoTarget)
		}
		if o.files != nil {
			if err := o.files.QuarantineFile(ctx, ref); err != nil {
				return outcome{target: ref}, fmt.Errorf("quarantine_file: %w", err)
			}
		}
		if _, err := o.registry.Add(blocklist.KindFileQuarantine, ref, 0, reason); err != nil {
			return outcome{target: ref}, fmt.Errorf("quarantine_file: %w", err)
		}
		return outcome{target: ref, message: "file quarantined"}, nil

	case model.ActionEscalateSecurity:
		follow := []model.SecurityAction{model.ActionRequireMFA, model.ActionEnhancedMonitoring}
		if o.notifier == nil {
			return outcome{target: "security_team", message: "escalation recorded, no notifier configured", followUp: follow}, nil
		}
		if err := o.notifier.NotifySecurityTeam(c.inc.Clone()); err != nil {
			return outcome{target: "security_team"}, fmt.Errorf("escalate_security: %w", err)
		}
		return outcome{target: "security_team", message: "security team notified", followUp: follow}, nil

	case model.ActionRequireMFA:
		key := mfaKey(ev)
		if key == "" {
			return outcome{}, fmt.Errorf("require_mfa: %w", ErrNoTarget)
		}
		if _, err := o.registry.Add(blocklist.KindMFARequired, key, rc.MonitoringDuration, reason); err != nil {
			return outcome{target: key}, fmt.Errorf("require_mfa: %w", err)
		}
		return outcome{target: key, message: "step-up authentication required"}, nil

	case model.ActionEnhancedMonitoring:
		if ev.ClientIP == "" {
			return outcome{}, fmt.Errorf("enhanced_monitoring: %w", ErrNoTarget)
		}
		if _, err := o.registry.Add(blocklist.KindWatch, ev.ClientIP, rc.MonitoringDuration, reason); err != nil {
			return outcome{target: ev.ClientIP}, fmt.Errorf("enhanced_monitoring: %w", err)
		}
		return outcome{target: ev.ClientIP, message: "watching for " + rc.MonitoringDuration.String()}, nil
	}
	return outcome{}, fmt.Errorf("unsupported action %q", action)
}

func mfaKey(ev model.SecurityEvent) string {
	if ev.UserID != "" {
		return "user:" + ev.UserID
	}
	return ev.ClientIP
}
