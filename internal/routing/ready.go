package routing

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// pollInterval is the wait between readiness checks.
var pollInterval = 2 * time.Second

// EnsureReady checks r for profile. If it is not ready and startOnDemand is
// set, the instance is started and checked until ready or timeout passes.
func EnsureReady(ctx context.Context, r Router, profile string, timeout time.Duration, startOnDemand bool) error {
	err := r.Ready(ctx, profile)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotReady) || !startOnDemand {
		return err
	}

	zap.L().Info("routing: starting instance", zap.String("profile", profile))
	if err := r.Start(ctx, profile); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if err = r.Ready(ctx, profile); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return eris.Wrapf(ErrNotReady, "%s not ready after %s: %v", profile, timeout, err)
		case <-ticker.C:
		}
	}
}
