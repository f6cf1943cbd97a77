package session

import (
	"context"
	"time"

	"github.com/agentdeck/agentdeck/pkg/models"
)

// runRefresh drives in-band token rotation. Every RefreshInterval the
// session's token expiry is checked; within RefreshThreshold of expiry the
// client is asked to rotate and given RefreshReplyWindow to answer with
// either a fresh access token or a refresh token. MaxRefreshAttempts
// consecutive failures close the session with TokenExpired.
func (s *Session) runRefresh(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		principal := s.Principal()
		if principal == nil {
			continue
		}
		remaining := time.Until(principal.ExpiresAt)
		if remaining > s.cfg.RefreshThreshold {
			continue
		}

		if s.attemptRefresh(ctx, remaining) {
			failures = 0
			continue
		}
		failures++
		s.log.Warn("Token refresh attempt failed",
			"attempt", failures, "max", s.cfg.MaxRefreshAttempts)
		if failures >= s.cfg.MaxRefreshAttempts {
			s.Close(models.CloseTokenExpired, "token refresh failed")
			return
		}
	}
}

// attemptRefresh runs one refresh-needed / reply exchange.
func (s *Session) attemptRefresh(ctx context.Context, remaining time.Duration) bool {
	// Drain a stale reply from a previous timed-out attempt.
	select {
	case <-s.refreshCh:
	default:
	}

	needed := models.MustMessage(models.TypeRefreshNeeded, models.RefreshNeededPayload{
		ExpiresInMs: remaining.Milliseconds(),
	})
	if err := s.Send(ctx, needed); err != nil {
		return false
	}

	timer := time.NewTimer(s.cfg.RefreshReplyWindow)
	defer timer.Stop()

	var reply *models.RefreshReplyPayload
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	case reply = <-s.refreshCh:
	}

	switch {
	case reply.AccessToken != "":
		principal, err := s.verifier.Validate(reply.AccessToken)
		if err != nil {
			s.log.Warn("Refresh reply carried invalid access token", "error", err)
			return false
		}
		s.setPrincipal(principal)
		_ = s.Send(ctx, models.MustMessage(models.TypeRefreshSuccess, struct{}{}))
		return true

	case reply.RefreshToken != "":
		access, expiresIn, err := s.verifier.Refresh(reply.RefreshToken)
		if err != nil {
			s.log.Warn("Refresh token exchange failed", "error", err)
			return false
		}
		principal, err := s.verifier.Validate(access)
		if err != nil {
			return false
		}
		s.setPrincipal(principal)
		_ = s.Send(ctx, models.MustMessage(models.TypeTokenRefresh, models.TokenRefreshPayload{
			AccessToken: access,
			ExpiresIn:   expiresIn,
		}))
		return true
	}

	return false
}
