// Package services reconciles the stack's systemd units into an active state.
// A unit which already runs is left alone; only inactive units get an
// enable+start, and the result is re-checked afterwards.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stackprove/stackprove/internal/execx"
	"github.com/stackprove/stackprove/internal/model"
	"github.com/stackprove/stackprove/internal/report"
)

// Stack returns the fixed ordered unit list for a runtime version.
func Stack(version string) []string {
	return []string{"nginx", fmt.Sprintf("php%s-fpm", version), "mariadb"}
}

type Reconciler struct {
	runner execx.Runner
}

func New(runner execx.Runner) Reconciler {
	return Reconciler{runner: runner}
}

// Reconcile drives every unit towards active. A unit which cannot be started
// is reported as a non-fatal failure needing operator investigation; the
// pipeline neither retries nor rolls back.
func (r Reconciler) Reconcile(ctx context.Context, rep *report.Reporter, units []string) {
	for _, unit := range units {
		r.reconcileOne(ctx, rep, unit)
	}
}

func (r Reconciler) reconcileOne(ctx context.Context, rep *report.Reporter, unit string) {
	active, err := r.isActive(ctx, unit)
	if err != nil {
		rep.Fail("cannot query state of service %s: %v", unit, err)
		return
	}
	if active {
		rep.Success("service %s is already active", unit)
		return
	}

	if _, err := r.runner.Run(ctx, "systemctl", "enable", "--now", unit); err != nil {
		slog.WarnContext(ctx, "enable+start failed", "unit", unit, "err", err)
	}

	active, err = r.isActive(ctx, unit)
	if err != nil {
		rep.Fail("cannot re-query state of service %s: %v", unit, err)
		return
	}
	if !active {
		rep.Fail("service %s did not become active, investigate manually", unit)
		return
	}
	rep.Success("service %s enabled and started", unit)
}

// isActive asks systemctl for the unit's run state. A non-zero exit means
// inactive; only a missing or misbehaving systemctl is an error.
func (r Reconciler) isActive(ctx context.Context, unit string) (bool, error) {
	res, err := r.runner.Run(ctx, "systemctl", "is-active", unit)
	if err != nil {
		if errors.Is(err, model.ErrToolFailed) {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "active", nil
}
