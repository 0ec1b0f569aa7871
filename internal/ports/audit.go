// Package ports verifies that the provisioned stack actually listens where
// it should. The listening-socket table is read from the kernel via netlink;
// when that is not accessible the auditor dials the expected ports instead.
// The runtime's communication channel gets a filesystem-socket fallback, as
// php-fpm may be configured for either transport.
package ports

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/stackprove/stackprove/internal/model"
	"github.com/stackprove/stackprove/internal/parallel"
	"github.com/stackprove/stackprove/internal/report"
)

const dialTimeout = 500 * time.Millisecond

// Expectation names one listener the stack must provide. SocketPath, when
// set, is an alternative unix socket transport accepted in place of the
// TCP listener.
type Expectation struct {
	Name       string
	Port       uint16
	SocketPath string
}

// Expectations derives the audit list from the configuration: the web server,
// the database engine and the runtime channel with its socket fallback.
func Expectations(cfg model.Config) []Expectation {
	return []Expectation{
		{Name: "nginx", Port: uint16(cfg.HTTPPort)},
		{Name: "mariadb", Port: uint16(cfg.DBPort)},
		{Name: "php-fpm", Port: uint16(cfg.RuntimePort), SocketPath: cfg.FPMSocketPath()},
	}
}

type Auditor struct {
	list func() ([]netip.AddrPort, error)
	dial func(ctx context.Context, port uint16) bool
	stat func(path string) bool
}

func New() Auditor {
	return Auditor{
		list: listenersNetlink,
		dial: dialLocalhost,
		stat: socketExists,
	}
}

// WithProbes replaces the host probes, used by tests.
func (a Auditor) WithProbes(
	list func() ([]netip.AddrPort, error),
	dial func(ctx context.Context, port uint16) bool,
	stat func(path string) bool,
) Auditor {
	a.list = list
	a.dial = dial
	a.stat = stat
	return a
}

// Audit reports success or failure per expectation independently; nothing
// here is fatal.
func (a Auditor) Audit(ctx context.Context, rep *report.Reporter, exps []Expectation) {
	bound := a.boundPorts(ctx, exps)

	for _, exp := range exps {
		switch {
		case bound[exp.Port]:
			rep.Success("%s is listening on tcp/%d", exp.Name, exp.Port)
		case exp.SocketPath != "" && a.stat(exp.SocketPath):
			rep.Success("%s is listening on socket %s", exp.Name, exp.SocketPath)
		case exp.SocketPath != "":
			rep.Fail("%s listens neither on tcp/%d nor on %s (%v), review its transport configuration",
				exp.Name, exp.Port, exp.SocketPath, model.ErrNotListening)
		default:
			rep.Fail("%s is not listening on tcp/%d (%v)", exp.Name, exp.Port, model.ErrNotListening)
		}
	}
}

// boundPorts builds the set of expected ports which have a listener, reading
// the kernel socket table first and dialing as a fallback.
func (a Auditor) boundPorts(ctx context.Context, exps []Expectation) map[uint16]bool {
	bound := make(map[uint16]bool, len(exps))

	listeners, err := a.list()
	if err == nil {
		for _, ap := range listeners {
			bound[ap.Port()] = true
		}
		return bound
	}
	slog.WarnContext(ctx, "socket table not accessible, dialing expected ports instead", "err", err)

	wanted := make([]uint16, 0, len(exps))
	for _, exp := range exps {
		wanted = append(wanted, exp.Port)
	}
	results, _ := parallel.Map(ctx, 4, wanted, func(ctx context.Context, port uint16) (bool, error) {
		return a.dial(ctx, port), nil
	})
	for i, ok := range results {
		if ok {
			bound[wanted[i]] = true
		}
	}
	return bound
}

func dialLocalhost(ctx context.Context, port uint16) bool {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func socketExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode()&os.ModeSocket != 0
}
