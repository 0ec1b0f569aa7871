package pkgres_test

import (
	"fmt"
	"testing"

	"github.com/stackprove/stackprove/internal/execx"
	"github.com/stackprove/stackprove/internal/execx/execxtest"
	"github.com/stackprove/stackprove/internal/model"
	"github.com/stackprove/stackprove/internal/pkgres"

	"github.com/stretchr/testify/require"
)

// repoWith answers apt-cache show queries from a fixed set of known packages.
func repoWith(known ...string) func(execxtest.Call) (execx.Result, error) {
	set := map[string]bool{}
	for _, k := range known {
		set[k] = true
	}
	return func(c execxtest.Call) (execx.Result, error) {
		if c.Tool != "apt-cache" {
			return execx.Result{}, nil
		}
		pkg := c.Args[len(c.Args)-1]
		if set[pkg] {
			return execx.Result{Stdout: "Package: " + pkg + "\n"}, nil
		}
		return execx.Result{ExitCode: 100},
			fmt.Errorf("%w: apt-cache exited 100: E: No packages found", model.ErrToolFailed)
	}
}

func TestResolveValidatesModules(t *testing.T) {
	t.Parallel()

	runner := &execxtest.FakeRunner{Handler: repoWith("php8.1-curl", "php8.1-gd")}
	r := pkgres.New(runner)

	res, err := r.Resolve(t.Context(), "8.1", []string{"curl", "gd", "doesnotexist"})
	require.NoError(t, err)

	require.Contains(t, res.Install, "php8.1-curl")
	require.Contains(t, res.Install, "php8.1-gd")
	require.NotContains(t, res.Install, "php8.1-doesnotexist")
	require.Equal(t, []string{"php8.1-doesnotexist"}, res.Invalid)
}

func TestResolveBaseAndInfraAlwaysPresent(t *testing.T) {
	t.Parallel()

	runner := &execxtest.FakeRunner{Handler: repoWith()}
	r := pkgres.New(runner)

	res, err := r.Resolve(t.Context(), "8.1", []string{"doesnotexist"})
	require.NoError(t, err)

	for _, pkg := range []string{
		"php8.1", "php8.1-fpm", "php8.1-common", "php8.1-cli", "php8.1-mysql",
		"nginx", "mariadb-server", "mariadb-client",
	} {
		require.Contains(t, res.Install, pkg)
	}
	require.Equal(t, []string{"php8.1-doesnotexist"}, res.Invalid)
}

func TestResolveEmptyModules(t *testing.T) {
	t.Parallel()

	runner := &execxtest.FakeRunner{Handler: repoWith()}
	r := pkgres.New(runner)

	res, err := r.Resolve(t.Context(), "8.1", nil)
	require.NoError(t, err)
	require.Empty(t, res.Invalid)
	require.Len(t, res.Install, 8, "5 base + 3 infra, no optional packages")
	require.Empty(t, runner.Calls, "no repository queries without requested modules")
}

func TestResolveDuplicatesProcessedIndependently(t *testing.T) {
	t.Parallel()

	runner := &execxtest.FakeRunner{Handler: repoWith("php8.1-curl")}
	r := pkgres.New(runner)

	res, err := r.Resolve(t.Context(), "8.1", []string{"curl", "curl", "nope", "nope"})
	require.NoError(t, err)

	var curls int
	for _, p := range res.Install {
		if p == "php8.1-curl" {
			curls++
		}
	}
	require.Equal(t, 2, curls, "duplicates are not deduplicated")
	require.Equal(t, []string{"php8.1-nope", "php8.1-nope"}, res.Invalid)
}

func TestResolveRunnerAbsentIsError(t *testing.T) {
	t.Parallel()

	runner := &execxtest.FakeRunner{Handler: func(execxtest.Call) (execx.Result, error) {
		return execx.Result{}, fmt.Errorf("%w: apt-cache", model.ErrToolNotFound)
	}}
	r := pkgres.New(runner)

	_, err := r.Resolve(t.Context(), "8.1", []string{"curl"})
	require.ErrorIs(t, err, model.ErrToolNotFound)
}

func TestInstall(t *testing.T) {
	t.Parallel()

	runner := &execxtest.FakeRunner{}
	err := pkgres.Install(t.Context(), runner, []string{"php8.1", "nginx"})
	require.NoError(t, err)
	require.Equal(t, []string{
		"apt-get update",
		"apt-get install -y php8.1 nginx",
	}, runner.Lines())
}
