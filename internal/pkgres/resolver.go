// Package pkgres builds the final installable package set for the stack. The
// mandatory runtime packages are templated from the version, requested
// optional modules are validated against the live apt repository before they
// make it into the set, and the web/database infrastructure packages are
// always appended.
package pkgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/stackprove/stackprove/internal/execx"
)

// infraPackages are installed regardless of module validation outcome.
var infraPackages = []string{"nginx", "mariadb-server", "mariadb-client"}

// Resolution is the outcome of resolving a version plus module request.
type Resolution struct {
	// Install is the final package set, in resolution order.
	Install []string
	// Invalid holds the versioned names of requested modules which do not
	// exist in the repository, once per request. Reported, never fatal.
	Invalid []string
}

// Resolver validates optional modules against the repository.
type Resolver struct {
	runner execx.Runner
}

func New(runner execx.Runner) Resolver {
	return Resolver{runner: runner}
}

// Resolve produces the install set for a runtime version and the requested
// optional modules. Duplicated module names are processed independently.
// A candidate only enters the install set after its existence check passed.
func (r Resolver) Resolve(ctx context.Context, version string, modules []string) (Resolution, error) {
	res := Resolution{
		Install: basePackages(version),
	}

	for _, m := range modules {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		pkg := fmt.Sprintf("php%s-%s", version, m)
		ok, err := r.exists(ctx, pkg)
		if err != nil {
			return Resolution{}, fmt.Errorf("querying repository for %s: %w", pkg, err)
		}
		if ok {
			res.Install = append(res.Install, pkg)
		} else {
			res.Invalid = append(res.Invalid, pkg)
		}
	}

	res.Install = append(res.Install, infraPackages...)
	return res, nil
}

// exists asks apt-cache whether pkg is known to the configured repositories.
// A non-zero exit or an empty record both mean "not there"; only a missing
// apt-cache binary is a real error.
func (r Resolver) exists(ctx context.Context, pkg string) (bool, error) {
	res, err := r.runner.Run(ctx, "apt-cache", "show", pkg)
	if err != nil {
		if res.ExitCode != 0 {
			return false, nil
		}
		return false, err
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

func basePackages(version string) []string {
	names := []string{"php%s", "php%s-fpm", "php%s-common", "php%s-cli", "php%s-mysql"}
	pkgs := make([]string, 0, len(names))
	for _, n := range names {
		pkgs = append(pkgs, fmt.Sprintf(n, version))
	}
	return pkgs
}

// Install refreshes the package index and installs pkgs in one transaction.
// The caller passes a runner with a timeout sized for package installation.
func Install(ctx context.Context, runner execx.Runner, pkgs []string) error {
	if _, err := runner.Run(ctx, "apt-get", "update"); err != nil {
		return fmt.Errorf("refreshing package index: %w", err)
	}
	args := append([]string{"install", "-y"}, pkgs...)
	if _, err := runner.Run(ctx, "apt-get", args...); err != nil {
		return fmt.Errorf("installing packages: %w", err)
	}
	return nil
}
