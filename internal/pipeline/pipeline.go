// Package pipeline sequences the provisioning run: resolve packages, install,
// reconcile services, harden the database, audit ports, open the firewall and
// prove the stack with smoke tests. Steps run strictly one after another;
// non-fatal conditions are reported and the pipeline keeps going, only the
// preflight checks abort before anything mutates the host.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/stackprove/stackprove/internal/execx"
	"github.com/stackprove/stackprove/internal/harden"
	"github.com/stackprove/stackprove/internal/history"
	"github.com/stackprove/stackprove/internal/log"
	"github.com/stackprove/stackprove/internal/model"
	"github.com/stackprove/stackprove/internal/pkgres"
	"github.com/stackprove/stackprove/internal/ports"
	"github.com/stackprove/stackprove/internal/report"
	"github.com/stackprove/stackprove/internal/services"
	"github.com/stackprove/stackprove/internal/smoketest"
)

// Preflight verifies the fatal conditions before any stateful action: enough
// privilege, a supported host platform and a well-formed version. Everything
// past this point is non-fatal.
func Preflight(cfg model.Config) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("%w: must run as root", model.ErrPreflight)
	}
	if runtime.GOOS != "linux" {
		return fmt.Errorf("%w: unsupported platform %s", model.ErrPreflight, runtime.GOOS)
	}
	if _, err := exec.LookPath("apt-get"); err != nil {
		return fmt.Errorf("%w: apt-get not found, unsupported distribution", model.ErrPreflight)
	}
	return cfg.Validate()
}

type Pipeline struct {
	cfg           model.Config
	runner        execx.Runner
	installRunner execx.Runner
	harness       *smoketest.Harness
	auditor       ports.Auditor
	histDB        *sql.DB

	resolution *pkgres.Resolution
}

func New(cfg model.Config) *Pipeline {
	runner := execx.ExecRunner{Timeout: cfg.CommandTimeout}
	return &Pipeline{
		cfg:           cfg,
		runner:        runner,
		installRunner: execx.ExecRunner{Timeout: cfg.InstallTimeout},
		harness:       smoketest.New(runner, cfg),
		auditor:       ports.New(),
	}
}

// WithRunner substitutes the external command seam, used by tests. The smoke
// test harness is rebuilt on the same runner.
func (p *Pipeline) WithRunner(r execx.Runner) *Pipeline {
	p.runner = r
	p.installRunner = r
	p.harness = smoketest.New(r, p.cfg)
	return p
}

// WithHarness substitutes the smoke test harness, used by tests.
func (p *Pipeline) WithHarness(h *smoketest.Harness) *Pipeline {
	p.harness = h
	return p
}

// WithAuditor substitutes the port auditor, used by tests.
func (p *Pipeline) WithAuditor(a ports.Auditor) *Pipeline {
	p.auditor = a
	return p
}

// WithHistory attaches a run-history database. History failures never fail
// the run.
func (p *Pipeline) WithHistory(db *sql.DB) *Pipeline {
	p.histDB = db
	return p
}

// step is one registered pipeline operation. The registry is a closed set;
// debug invocation of anything outside it is rejected up front.
type step struct {
	name string
	fn   func(context.Context, *report.Reporter)
}

func (p *Pipeline) steps() []step {
	return []step{
		{"resolve", p.stepResolve},
		{"install", p.stepInstall},
		{"services", p.stepServices},
		{"harden", p.stepHarden},
		{"ports", p.stepPorts},
		{"firewall", p.stepFirewall},
		{"smoke-static", p.harness.StaticPage},
		{"smoke-runtime", p.harness.RuntimeProxy},
		{"smoke-db", p.harness.Database},
	}
}

// KnownSteps lists the step identifiers accepted by RunStep, so the CLI can
// reject an unknown identifier at argument-parse time instead of at call time.
func KnownSteps() []string {
	return []string{
		"resolve", "install", "services", "harden", "ports", "firewall",
		"smoke-static", "smoke-runtime", "smoke-db",
	}
}

// StepNames lists the registered step identifiers in execution order.
func (p *Pipeline) StepNames() []string {
	all := p.steps()
	names := make([]string, 0, len(all))
	for _, s := range all {
		names = append(names, s.name)
	}
	return names
}

// RunStep executes one registered step in isolation, for operator
// troubleshooting. Unknown identifiers return ErrUnknownStep.
func (p *Pipeline) RunStep(ctx context.Context, rep *report.Reporter, name string) error {
	for _, s := range p.steps() {
		if s.name == name {
			s.fn(log.ContextAttrs(ctx, slog.String("step", s.name)), rep)
			return nil
		}
	}
	return fmt.Errorf("%w: %q, known steps: %s", model.ErrUnknownStep, name, strings.Join(p.StepNames(), ", "))
}

// Provision runs the whole pipeline. The caller must have passed Preflight
// already; from here on the run always completes and the reporter's failure
// count decides the summary, not the error path.
func (p *Pipeline) Provision(ctx context.Context, rep *report.Reporter) {
	p.historyBegin(ctx, rep.RunID())

	for _, s := range p.steps() {
		if s.name == "harden" && p.cfg.SkipHardening {
			rep.Info("database hardening skipped by request")
			p.historyStep(ctx, rep.RunID(), s.name, "skipped")
			continue
		}
		before := rep.Failures()
		// debug traces of external commands carry the step they belong to
		s.fn(log.ContextAttrs(ctx, slog.String("step", s.name)), rep)
		p.historyStep(ctx, rep.RunID(), s.name, outcome(rep.Failures()-before))
	}

	if n := rep.Failures(); n > 0 {
		rep.Warn("provisioning finished with %d condition(s) requiring manual follow-up, see the run log", n)
	} else {
		rep.Success("provisioning finished, no manual follow-up required")
	}
	p.historyFinish(ctx, rep.RunID(), rep.Failures())
}

func (p *Pipeline) stepResolve(ctx context.Context, rep *report.Reporter) {
	res, err := pkgres.New(p.runner).Resolve(ctx, p.cfg.Version, p.cfg.Modules)
	if err != nil {
		rep.Fail("resolving packages: %v", err)
		return
	}
	p.resolution = &res
	for _, pkg := range res.Invalid {
		rep.Fail("module package %s does not exist in the repository, dropped from the install set", pkg)
	}
	rep.Info("resolved %d package(s) to install", len(res.Install))
}

func (p *Pipeline) stepInstall(ctx context.Context, rep *report.Reporter) {
	if p.resolution == nil {
		// single-step invocation: resolve first
		p.stepResolve(ctx, rep)
		if p.resolution == nil {
			return
		}
	}
	if err := pkgres.Install(ctx, p.installRunner, p.resolution.Install); err != nil {
		rep.Fail("installing stack packages: %v", err)
		return
	}
	rep.Success("installed %d package(s)", len(p.resolution.Install))
}

func (p *Pipeline) stepServices(ctx context.Context, rep *report.Reporter) {
	services.New(p.runner).Reconcile(ctx, rep, services.Stack(p.cfg.Version))
}

func (p *Pipeline) stepHarden(ctx context.Context, rep *report.Reporter) {
	harden.New(p.runner).Run(ctx, rep)
}

func (p *Pipeline) stepPorts(ctx context.Context, rep *report.Reporter) {
	p.auditor.Audit(ctx, rep, ports.Expectations(p.cfg))
}

// stepFirewall opens the web server profile when a firewall manager is
// present and active. One conditional command, nothing more.
func (p *Pipeline) stepFirewall(ctx context.Context, rep *report.Reporter) {
	res, err := p.runner.Run(ctx, "ufw", "status")
	if err != nil {
		rep.Info("no active firewall manager detected, skipping firewall step")
		return
	}
	if !strings.Contains(res.Stdout, "Status: active") {
		rep.Info("firewall is inactive, skipping firewall step")
		return
	}
	if _, err := p.runner.Run(ctx, "ufw", "allow", "Nginx Full"); err != nil {
		rep.Fail("opening firewall for the web server: %v", err)
		return
	}
	rep.Success("firewall allows the web server profile")
}

func outcome(failures int) string {
	if failures == 0 {
		return "ok"
	}
	return fmt.Sprintf("%d failure(s)", failures)
}

func (p *Pipeline) historyBegin(ctx context.Context, runID string) {
	if p.histDB == nil {
		return
	}
	if err := history.Begin(ctx, p.histDB, runID); err != nil {
		slog.WarnContext(ctx, "cannot record run start", "err", err)
	}
}

func (p *Pipeline) historyStep(ctx context.Context, runID, name, out string) {
	if p.histDB == nil {
		return
	}
	if err := history.RecordStep(ctx, p.histDB, runID, name, out); err != nil {
		slog.WarnContext(ctx, "cannot record step outcome", "step", name, "err", err)
	}
}

func (p *Pipeline) historyFinish(ctx context.Context, runID string, failures int) {
	if p.histDB == nil {
		return
	}
	if err := history.Finish(ctx, p.histDB, runID, failures); err != nil {
		slog.WarnContext(ctx, "cannot record run finish", "err", err)
	}
}
