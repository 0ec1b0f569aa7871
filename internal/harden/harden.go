// Package harden reduces the default-insecure posture of a freshly installed
// MariaDB engine: credential rotation, anonymous account removal, local-only
// root login and removal of the sample database. The chain is best-effort by
// design: every step is attempted no matter what happened before it, because
// the steps are independent of each other.
package harden

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/stackprove/stackprove/internal/execx"
	"github.com/stackprove/stackprove/internal/report"
)

const (
	mysqlTool = "mysql"

	// rootPluginQuery probes which authentication plugin the administrative
	// account uses. unix_socket/auth_socket mean passwordless local auth.
	rootPluginQuery = "SELECT plugin FROM mysql.user WHERE User='root' AND Host='localhost';"

	secretLength   = 20
	secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// Step is one destructive/corrective statement of the chain.
type Step struct {
	Description string
	Statement   string
}

// Chain returns the ordered hardening steps. The credential rotation step is
// only present when rotate is true; the rest of the chain never depends on it.
func Chain(rotate bool, secret string) []Step {
	var steps []Step
	if rotate {
		steps = append(steps, Step{
			Description: "rotate administrative credential",
			Statement:   "ALTER USER 'root'@'localhost' IDENTIFIED BY '" + secret + "';",
		})
	}
	return append(steps,
		// mysql.user is a read-only view on MariaDB 10.4+, the writable
		// account table is mysql.global_priv
		Step{
			Description: "remove anonymous accounts",
			Statement:   "DELETE FROM mysql.global_priv WHERE User='';",
		},
		Step{
			Description: "restrict administrative login to local hosts",
			Statement:   "DELETE FROM mysql.global_priv WHERE User='root' AND Host NOT IN ('localhost', '127.0.0.1', '::1');",
		},
		Step{
			Description: "remove sample database and its grants",
			Statement:   "DROP DATABASE IF EXISTS test; DELETE FROM mysql.db WHERE Db='test' OR Db='test\\_%';",
		},
		Step{
			Description: "flush privileges",
			Statement:   "FLUSH PRIVILEGES;",
		},
	)
}

type Hardener struct {
	runner execx.Runner
}

func New(runner execx.Runner) Hardener {
	return Hardener{runner: runner}
}

// Run executes the hardening chain. Each failed step is reported as
// non-fatal with a "complete manually" notice and the chain continues.
func (h Hardener) Run(ctx context.Context, rep *report.Reporter) {
	rotate := true
	plugin, err := h.rootAuthPlugin(ctx)
	switch {
	case err != nil:
		rep.Fail("cannot determine root authentication plugin: %v", err)
	case plugin == "unix_socket" || plugin == "auth_socket":
		// rotation would be redundant and may not apply cleanly
		rotate = false
		rep.Info("root uses %s authentication, credential rotation skipped", plugin)
	}

	var secret string
	if rotate {
		secret = NewSecret(secretLength)
	}

	for _, step := range Chain(rotate, secret) {
		if _, err := h.runner.RunInput(ctx, step.Statement, mysqlTool); err != nil {
			rep.Fail("hardening step %q failed, please complete it manually: %v", step.Description, err)
			continue
		}
		rep.Success("hardening step %q done", step.Description)
		if strings.HasPrefix(step.Description, "rotate") {
			// cleartext on purpose, the run log is where the operator
			// retrieves the new credential
			rep.Info("new administrative database credential: %s", secret)
		}
	}
}

func (h Hardener) rootAuthPlugin(ctx context.Context) (string, error) {
	res, err := h.runner.Run(ctx, mysqlTool, "-N", "-B", "-e", rootPluginQuery)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// NewSecret draws an n character secret uniform over the alphanumeric
// alphabet.
func NewSecret(n int) string {
	max := big.NewInt(int64(len(secretAlphabet)))
	var sb strings.Builder
	sb.Grow(n)
	for range n {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err) // crypto/rand never fails on a healthy host
		}
		sb.WriteByte(secretAlphabet[idx.Int64()])
	}
	return sb.String()
}
