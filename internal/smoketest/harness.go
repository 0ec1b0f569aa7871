// Package smoketest proves the provisioned stack with real traffic: a static
// page served by the web server, a dynamic request proxied to the runtime and
// a database round-trip with a throwaway credential. Every test creates its
// artifacts right before the request and removes them unconditionally
// afterwards, whether or not the assertion held.
package smoketest

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stackprove/stackprove/internal/execx"
	"github.com/stackprove/stackprove/internal/harden"
	"github.com/stackprove/stackprove/internal/model"
	"github.com/stackprove/stackprove/internal/report"
)

const (
	httpTimeout = 10 * time.Second

	// permanentFragment is the one routing fragment that stays installed
	// after the run, it is what makes dynamic content work at all.
	permanentFragment = "stackprove-php.conf"

	// serverName selects the installed server block. Requests carry it as
	// the Host header so the distribution's default site stays untouched.
	serverName = "stackprove.local"
)

// fragment is a web server routing fragment written for a test. A permanent
// fragment survives the test, everything else is removed with the artifacts.
type fragment struct {
	path      string
	content   string
	permanent bool
}

type Harness struct {
	runner     execx.Runner
	cfg        model.Config
	client     *http.Client
	baseURL    string
	publicAddr func() (netip.Addr, bool)
}

func New(runner execx.Runner, cfg model.Config) *Harness {
	base := "http://127.0.0.1"
	if cfg.HTTPPort != 80 {
		base = fmt.Sprintf("http://127.0.0.1:%d", cfg.HTTPPort)
	}
	return &Harness{
		runner:     runner,
		cfg:        cfg,
		client:     &http.Client{Timeout: httpTimeout},
		baseURL:    base,
		publicAddr: publicUnicastAddr,
	}
}

// WithBaseURL points the harness at a different web server root, used by
// tests to substitute an httptest backend.
func (h *Harness) WithBaseURL(u string) *Harness {
	h.baseURL = strings.TrimRight(u, "/")
	return h
}

// WithPublicAddr replaces the public address discovery, used by tests.
func (h *Harness) WithPublicAddr(f func() (netip.Addr, bool)) *Harness {
	h.publicAddr = f
	return h
}

// Run executes the three smoke tests in order. Failed assertions are
// non-fatal; the next test still runs.
func (h *Harness) Run(ctx context.Context, rep *report.Reporter) {
	h.StaticPage(ctx, rep)
	h.RuntimeProxy(ctx, rep)
	h.Database(ctx, rep)
}

// StaticPage proves the web server serves content from the web root, both via
// loopback and, advisory only, via the host's public address.
func (h *Harness) StaticPage(ctx context.Context, rep *report.Reporter) {
	id := shortID()
	token := "stackprove-static-" + id
	name := fmt.Sprintf("stackprove-%s.html", id)

	var arts artifactSet
	defer arts.removeAll()

	if err := arts.write(filepath.Join(h.cfg.WebRoot, name), "<html><body>"+token+"</body></html>\n", 0o644); err != nil {
		rep.Fail("static page test: %v", err)
		return
	}

	h.assertGet(ctx, rep, "static page test", h.baseURL+"/"+name, token)

	addr, ok := h.publicAddr()
	if !ok {
		rep.Warn("no public address found, skipping public reachability probe")
		return
	}
	publicURL := fmt.Sprintf("http://%s/%s", addrHostPort(addr, h.cfg.HTTPPort), name)
	if body, err := h.get(ctx, publicURL); err != nil || !strings.Contains(body, token) {
		// commonly external firewalling, not a stack defect
		rep.Warn("default page not reachable via public address %s, check external firewalling", addr)
	} else {
		rep.Success("default page reachable via public address %s", addr)
	}
}

// RuntimeProxy proves the web server hands dynamic requests to the runtime.
// The routing fragment it installs is the permanent one.
func (h *Harness) RuntimeProxy(ctx context.Context, rep *report.Reporter) {
	id := shortID()
	// the expected substring is split in the source artifact, so a raw,
	// unexecuted script never matches the assertion
	token := "stackprove-runtime-" + id
	script := fmt.Sprintf("<?php echo 'stackprove-' . 'runtime-%s'; ?>\n", id)

	frag := fragment{
		path:      filepath.Join(h.cfg.NginxConfDir, permanentFragment),
		content:   h.serverFragment(),
		permanent: true,
	}
	if !h.installFragment(ctx, rep, frag) {
		return
	}
	defer h.dropFragment(ctx, rep, frag)

	var arts artifactSet
	defer arts.removeAll()

	name := fmt.Sprintf("stackprove-%s.php", id)
	if err := arts.write(filepath.Join(h.cfg.WebRoot, name), script, 0o644); err != nil {
		rep.Fail("runtime proxy test: %v", err)
		return
	}

	h.assertGet(ctx, rep, "runtime proxy test", h.baseURL+"/"+name, token)
}

// Database proves the runtime can reach the database engine: a throwaway
// database and account bracket one HTTP round-trip through a script that
// connects with the fresh credential.
func (h *Harness) Database(ctx context.Context, rep *report.Reporter) {
	id := shortID()
	dbName := "stackprove_" + id
	dbUser := "stackprove_u" + id
	dbPass := harden.NewSecret(16)

	if err := h.mysql(ctx,
		fmt.Sprintf("CREATE DATABASE %s;", dbName),
		fmt.Sprintf("CREATE USER '%s'@'localhost' IDENTIFIED BY '%s';", dbUser, dbPass),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON %s.* TO '%s'@'localhost';", dbName, dbUser),
		"FLUSH PRIVILEGES;",
	); err != nil {
		rep.Fail("database test: provisioning throwaway database: %v", err)
		return
	}
	defer func() {
		// teardown is not conditioned on the test outcome
		if err := h.mysql(ctx,
			fmt.Sprintf("DROP USER IF EXISTS '%s'@'localhost';", dbUser),
			fmt.Sprintf("DROP DATABASE IF EXISTS %s;", dbName),
			"FLUSH PRIVILEGES;",
		); err != nil {
			rep.Fail("database test: removing throwaway database: %v", err)
		}
	}()

	var arts artifactSet
	defer arts.removeAll()

	name := fmt.Sprintf("stackprove-%s-db.php", id)
	if err := arts.write(filepath.Join(h.cfg.WebRoot, name), dbProbeScript(dbUser, dbPass, dbName), 0o644); err != nil {
		rep.Fail("database test: %v", err)
		return
	}

	h.assertGet(ctx, rep, "database test", h.baseURL+"/"+name, "DB CONNECTION OK")
}

// installFragment writes the fragment and reloads the web server behind a
// syntax check. An invalid fragment skips the reload so a broken config is
// never loaded into the running server.
func (h *Harness) installFragment(ctx context.Context, rep *report.Reporter, f fragment) bool {
	if err := os.WriteFile(f.path, []byte(f.content), 0o644); err != nil {
		rep.Fail("writing routing fragment %s: %v", f.path, err)
		return false
	}
	if _, err := h.runner.Run(ctx, "nginx", "-t"); err != nil {
		rep.Fail("routing fragment %s does not validate, reload skipped: %v", f.path, err)
		// an invalid fragment must not stay behind, it would break every
		// later reload and restart of the server
		_ = os.Remove(f.path)
		return false
	}
	if _, err := h.runner.Run(ctx, "systemctl", "reload", "nginx"); err != nil {
		rep.Fail("reloading web server: %v", err)
		return false
	}
	return true
}

// dropFragment restores the pre-test routing state. Permanent fragments stay.
func (h *Harness) dropFragment(ctx context.Context, rep *report.Reporter, f fragment) {
	if f.permanent {
		return
	}
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		rep.Warn("cannot remove routing fragment %s: %v", f.path, err)
	}
	if _, err := h.runner.Run(ctx, "systemctl", "reload", "nginx"); err != nil {
		rep.Fail("restoring web server configuration: %v", err)
	}
}

// serverFragment is a complete server block. conf.d fragments are included
// at http level, where a bare location directive would fail the config test,
// so the fragment carries its own server with the php handoff inside.
func (h *Harness) serverFragment() string {
	return fmt.Sprintf(`server {
	listen %d;
	server_name %s;
	root %s;
	index index.html index.php;

	location / {
		try_files $uri $uri/ =404;
	}

	location ~ \.php$ {
		include snippets/fastcgi-php.conf;
		fastcgi_pass unix:%s;
	}
}
`, h.cfg.HTTPPort, serverName, h.cfg.WebRoot, h.cfg.FPMSocketPath())
}

func (h *Harness) assertGet(ctx context.Context, rep *report.Reporter, test, url, want string) {
	body, err := h.get(ctx, url)
	if err != nil {
		rep.Fail("%s: %v", test, err)
		return
	}
	if !strings.Contains(body, want) {
		rep.Fail("%s: response does not contain %q", test, want)
		return
	}
	rep.Success("%s passed", test)
}

func (h *Harness) get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Host = serverName
	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response from %s: %w", url, err)
	}
	return string(body), nil
}

func (h *Harness) mysql(ctx context.Context, statements ...string) error {
	_, err := h.runner.RunInput(ctx, strings.Join(statements, "\n"), "mysql")
	return err
}

func dbProbeScript(user, pass, db string) string {
	return fmt.Sprintf(`<?php
$conn = mysqli_connect('127.0.0.1', '%s', '%s', '%s');
if ($conn && mysqli_query($conn, 'SELECT 1')) {
	echo 'DB CONNECTION ' . 'OK';
	mysqli_close($conn);
} else {
	echo 'DB CONNECTION ' . 'FAILED: ' . mysqli_connect_error();
}
`, user, pass, db)
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// publicUnicastAddr returns the host's first global unicast IPv4 address.
func publicUnicastAddr() (netip.Addr, bool) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, false
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP.To4())
		if !ok {
			continue
		}
		if addr.IsGlobalUnicast() && !addr.IsPrivate() {
			return addr, true
		}
	}
	// fall back to a private address, reachability is advisory anyway
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP.To4())
		if !ok {
			continue
		}
		if addr.IsGlobalUnicast() {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

func addrHostPort(addr netip.Addr, port int) string {
	if port == 80 {
		return addr.String()
	}
	return netip.AddrPortFrom(addr, uint16(port)).String()
}
