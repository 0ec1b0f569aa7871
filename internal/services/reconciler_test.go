package services_test

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stackprove/stackprove/internal/execx"
	"github.com/stackprove/stackprove/internal/execx/execxtest"
	"github.com/stackprove/stackprove/internal/model"
	"github.com/stackprove/stackprove/internal/report"
	"github.com/stackprove/stackprove/internal/services"

	"github.com/stretchr/testify/require"
)

func newReporter(t *testing.T) *report.Reporter {
	t.Helper()
	rep, err := report.New(&bytes.Buffer{}, filepath.Join(t.TempDir(), "run.log"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rep.Close() })
	return rep
}

// systemd fakes a host where the named units are active.
func systemd(active ...string) func(execxtest.Call) (execx.Result, error) {
	set := map[string]bool{}
	for _, a := range active {
		set[a] = true
	}
	return func(c execxtest.Call) (execx.Result, error) {
		if len(c.Args) == 2 && c.Args[0] == "is-active" {
			if set[c.Args[1]] {
				return execx.Result{Stdout: "active\n"}, nil
			}
			return execx.Result{Stdout: "inactive\n", ExitCode: 3},
				fmt.Errorf("%w: systemctl exited 3", model.ErrToolFailed)
		}
		if len(c.Args) == 3 && c.Args[0] == "enable" && c.Args[1] == "--now" {
			set[c.Args[2]] = true
			return execx.Result{}, nil
		}
		return execx.Result{}, nil
	}
}

func TestStack(t *testing.T) {
	t.Parallel()
	require.Equal(t, []string{"nginx", "php8.1-fpm", "mariadb"}, services.Stack("8.1"))
}

func TestActiveServiceIsNotRestarted(t *testing.T) {
	t.Parallel()

	runner := &execxtest.FakeRunner{Handler: systemd("nginx")}
	rep := newReporter(t)

	services.New(runner).Reconcile(t.Context(), rep, []string{"nginx"})

	require.Equal(t, 0, rep.Failures())
	for _, line := range runner.Lines() {
		require.NotContains(t, line, "enable", "active unit must not be touched")
	}
}

func TestInactiveServiceIsStarted(t *testing.T) {
	t.Parallel()

	runner := &execxtest.FakeRunner{Handler: systemd()}
	rep := newReporter(t)

	services.New(runner).Reconcile(t.Context(), rep, []string{"mariadb"})

	require.Equal(t, 0, rep.Failures())
	require.Equal(t, []string{
		"systemctl is-active mariadb",
		"systemctl enable --now mariadb",
		"systemctl is-active mariadb",
	}, runner.Lines())
}

func TestStartFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	// enable succeeds but the unit never reaches active
	runner := &execxtest.FakeRunner{Handler: func(c execxtest.Call) (execx.Result, error) {
		if c.Args[0] == "is-active" {
			return execx.Result{Stdout: "failed\n", ExitCode: 3},
				fmt.Errorf("%w: systemctl exited 3", model.ErrToolFailed)
		}
		return execx.Result{}, nil
	}}
	rep := newReporter(t)

	services.New(runner).Reconcile(t.Context(), rep, []string{"mariadb", "nginx"})

	require.Equal(t, 2, rep.Failures(), "one failure per stuck unit")
}

func TestMissingSystemctlIsReported(t *testing.T) {
	t.Parallel()

	runner := &execxtest.FakeRunner{Handler: func(execxtest.Call) (execx.Result, error) {
		return execx.Result{}, fmt.Errorf("%w: systemctl", model.ErrToolNotFound)
	}}
	rep := newReporter(t)

	services.New(runner).Reconcile(t.Context(), rep, []string{"nginx"})
	require.Equal(t, 1, rep.Failures())
}
