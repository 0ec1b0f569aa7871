package harden_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stackprove/stackprove/internal/execx"
	"github.com/stackprove/stackprove/internal/harden"
	"github.com/stackprove/stackprove/internal/model"
	"github.com/stackprove/stackprove/internal/report"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcexec "github.com/testcontainers/testcontainers-go/exec"
	"github.com/testcontainers/testcontainers-go/wait"
)

const containerRootPassword = "integration-root-pw"

// containerRunner executes the database client inside the container over the
// local socket, the same transport a fresh on-host install uses.
type containerRunner struct {
	ctr testcontainers.Container
}

func (r containerRunner) Run(ctx context.Context, _ string, args ...string) (execx.Result, error) {
	return r.exec(ctx, append([]string{"mariadb"}, args...))
}

func (r containerRunner) RunInput(ctx context.Context, stdin string, _ string, _ ...string) (execx.Result, error) {
	return r.exec(ctx, []string{"mariadb", "-e", stdin})
}

func (r containerRunner) exec(ctx context.Context, cmd []string) (execx.Result, error) {
	code, reader, err := r.ctr.Exec(ctx, cmd, tcexec.Multiplexed())
	if err != nil {
		return execx.Result{}, err
	}
	out, err := io.ReadAll(reader)
	if err != nil {
		return execx.Result{}, err
	}
	res := execx.Result{Tool: cmd[0], Args: cmd[1:], Stdout: string(out), ExitCode: code}
	if code != 0 {
		return res, fmt.Errorf("%w: %s exited %d: %s", model.ErrToolFailed, cmd[0], code, out)
	}
	return res, nil
}

// TestHardenAgainstMariaDB runs the real chain against a disposable MariaDB
// whose root account uses unix_socket auth, like a fresh distribution
// install. It needs a container runtime; everything else skips it.
func TestHardenAgainstMariaDB(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped with -short")
	}

	ctx := t.Context()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mariadb:11",
			Env:          map[string]string{"MARIADB_ROOT_PASSWORD": containerRootPassword},
			ExposedPorts: []string{"3306/tcp"},
			WaitingFor: wait.ForLog("ready for connections").
				WithOccurrence(2).
				WithStartupTimeout(3 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("container runtime not available: %v", err)
	}
	t.Cleanup(func() {
		_ = ctr.Terminate(context.Background())
	})

	runner := containerRunner{ctr: ctr}

	// switch root@localhost to socket auth, the default posture of a fresh
	// mariadb-server package install
	_, err = runner.exec(ctx, []string{
		"mariadb", "-uroot", "-p" + containerRootPassword, "-e",
		"ALTER USER 'root'@'localhost' IDENTIFIED VIA unix_socket; FLUSH PRIVILEGES;",
	})
	require.NoError(t, err)

	rep, err := report.New(&bytes.Buffer{}, filepath.Join(t.TempDir(), "run.log"))
	require.NoError(t, err)
	defer func() { _ = rep.Close() }()

	harden.New(runner).Run(ctx, rep)
	require.Equal(t, 0, rep.Failures())

	// rotation was skipped, socket auth still in place
	res, err := runner.Run(ctx, "mysql", "-N", "-B", "-e",
		"SELECT plugin FROM mysql.user WHERE User='root' AND Host='localhost';")
	require.NoError(t, err)
	require.Contains(t, res.Stdout, "unix_socket")

	// the sample database is gone
	res, err = runner.Run(ctx, "mysql", "-N", "-B", "-e", "SHOW DATABASES;")
	require.NoError(t, err)
	require.NotContains(t, res.Stdout, "test\n")

	// no anonymous accounts remain
	res, err = runner.Run(ctx, "mysql", "-N", "-B", "-e",
		"SELECT COUNT(*) FROM mysql.user WHERE User='';")
	require.NoError(t, err)
	require.Equal(t, "0\n", res.Stdout)
}
