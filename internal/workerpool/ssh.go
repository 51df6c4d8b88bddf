package workerpool

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHWorker runs builds on a remote host reached over SSH, one
// interactive session per build, modeled on a Kubernetes-pod build
// backend's sshBot: dial once, then open a fresh session per command so a
// stuck session never wedges the whole connection.
type SSHWorker struct {
	name           string
	maxConcurrency int
	workerPath     string // remote lilac-worker binary, e.g. "lilac-worker"

	addr       string
	clientConf *ssh.ClientConfig
}

// SSHConfig configures one remote worker's connection.
type SSHConfig struct {
	Host    string
	Port    int    // defaults to 22
	User    string // defaults to "root"
	KeyPath string // private key file, required

	// HostKey is the expected host key in authorized_keys format. Empty
	// accepts any host key (ssh.InsecureIgnoreHostKey), which is only
	// appropriate on a trusted private network.
	HostKey string

	// WorkerPath is the remote lilac-worker binary path, defaulting to
	// "lilac-worker" (resolved via the remote shell's PATH).
	WorkerPath string
}

// NewSSHWorker returns an SSHWorker named name that dials cfg.Host for
// every build; the connection itself is established lazily per call
// rather than held open across the worker's lifetime, since a build
// worker's admission window can be many minutes and a long-idle SSH
// connection is a common source of "connection reset" failures.
func NewSSHWorker(name string, maxConcurrency int, cfg SSHConfig) (*SSHWorker, error) {
	if cfg.KeyPath == "" {
		return nil, fmt.Errorf("ssh worker %s: key path is required", name)
	}
	keyData, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh worker %s: reading key: %w", name, err)
	}
	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("ssh worker %s: parsing key: %w", name, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.HostKey != "" {
		_, _, pub, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.HostKey))
		if err != nil {
			return nil, fmt.Errorf("ssh worker %s: parsing host key: %w", name, err)
		}
		hostKeyCallback = ssh.FixedHostKey(pub)
	}

	user := cfg.User
	if user == "" {
		user = "root"
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	workerPath := cfg.WorkerPath
	if workerPath == "" {
		workerPath = "lilac-worker"
	}

	return &SSHWorker{
		name:           name,
		maxConcurrency: maxConcurrency,
		workerPath:     workerPath,
		addr:           net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		clientConf: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         30 * time.Second,
		},
	}, nil
}

func (w *SSHWorker) Name() string        { return w.name }
func (w *SSHWorker) Kind() Kind           { return KindRemoteSSH }
func (w *SSHWorker) MaxConcurrency() int { return w.maxConcurrency }

// WorkerCmd returns the remote lilac-worker invocation; the launcher
// recognizes an SSHWorker via RunRemote instead of exec'ing this argv
// directly, but it is still reported so logs and the direct-build CLI
// path can display the command that will run.
func (w *SSHWorker) WorkerCmd(pkgbase string) ([]string, error) {
	return []string{w.workerPath}, nil
}

// dial opens a fresh SSH connection; see NewSSHWorker's comment on why
// connections aren't held open across calls.
func (w *SSHWorker) dial(ctx context.Context) (*ssh.Client, error) {
	d := net.Dialer{Timeout: w.clientConf.Timeout}
	conn, err := d.DialContext(ctx, "tcp", w.addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", w.addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, w.addr, w.clientConf)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshaking %s: %w", w.addr, err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// RunRemote drives one build over an interactive SSH session: it pipes
// input (the marshaled buildworker.Input, with ResultPath left empty)
// to the remote lilac-worker's stdin and returns what it wrote to
// stdout, which is the marshaled buildworker.Result.
func (w *SSHWorker) RunRemote(ctx context.Context, pkgbase string, deadline time.Time, workerNo int, input []byte) ([]byte, error) {
	client, err := w.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening session for %s: %w", pkgbase, err)
	}
	defer sess.Close()

	sess.Stdin = bytes.NewReader(input)

	var stdout strings.Builder
	sess.Stdout = &stdout

	stderr, err := sess.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attaching stderr for %s: %w", pkgbase, err)
	}
	go streamStderr(stderr)

	done := make(chan error, 1)
	go func() { done <- sess.Run(w.workerPath) }()

	select {
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("remote build of %s on %s: %w", pkgbase, w.name, err)
		}
	}
	return []byte(stdout.String()), nil
}

// ResourceUsage runs a single remote command that prints the 1-minute
// load average and available memory, the SSH-reachable equivalent of
// LocalWorker's /proc reads.
func (w *SSHWorker) ResourceUsage(ctx context.Context) (float64, uint64, error) {
	client, err := w.dial(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return 0, 0, fmt.Errorf("opening session: %w", err)
	}
	defer sess.Close()

	out, err := sess.Output("cat /proc/loadavg /proc/cpuinfo /proc/meminfo")
	if err != nil {
		return 0, 0, fmt.Errorf("reading remote load: %w", err)
	}
	return parseRemoteUsage(out)
}

// SyncDependedPackages copies the listed local artifact paths to the
// same paths on the remote host via `cat > path` over a
// session's stdin, mirroring a Kubernetes-pod build backend's
// WriteFile pattern.
func (w *SSHWorker) SyncDependedPackages(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	client, err := w.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	for _, path := range paths {
		if err := w.writeFile(client, path); err != nil {
			return fmt.Errorf("syncing %s to %s: %w", path, w.name, err)
		}
	}
	return nil
}

func (w *SSHWorker) writeFile(client *ssh.Client, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sess, err := client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()

	sess.Stdin = f
	return sess.Run(fmt.Sprintf("cat > %q", path))
}

// PrepareBatch runs `true` over a fresh SSH connection before a
// scheduler pass begins, which checks that the host is reachable; it
// does not update the remote recipe tree.
func (w *SSHWorker) PrepareBatch(ctx context.Context) error {
	return w.runSimple(ctx, "true")
}

// FinishBatch is a no-op: the remote worker commits build artifacts on
// its own side as part of each build, not at batch boundaries.
func (w *SSHWorker) FinishBatch(ctx context.Context) error { return nil }

func (w *SSHWorker) runSimple(ctx context.Context, cmd string) error {
	client, err := w.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.Run(cmd)
}

func streamStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintln(os.Stderr, scanner.Text())
	}
}

// parseRemoteUsage extracts a load-average ratio (normalized by CPU
// count) and available memory in bytes from the concatenated output of
// /proc/loadavg, /proc/cpuinfo, and /proc/meminfo.
func parseRemoteUsage(out []byte) (float64, uint64, error) {
	lines := strings.Split(string(out), "\n")
	if len(lines) == 0 {
		return 0, 0, fmt.Errorf("empty remote usage output")
	}
	loadFields := strings.Fields(lines[0])
	if len(loadFields) < 1 {
		return 0, 0, fmt.Errorf("unexpected loadavg line %q", lines[0])
	}
	load1, err := strconv.ParseFloat(loadFields[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing loadavg: %w", err)
	}

	numCPU := 0.0
	var memAvail uint64
	for _, line := range lines[1:] {
		switch {
		case strings.HasPrefix(line, "processor"):
			numCPU++
		case strings.HasPrefix(line, "MemAvailable:"):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, err := strconv.ParseUint(fields[1], 10, 64)
				if err == nil {
					memAvail = kb * 1024
				}
			}
		}
	}
	if numCPU <= 0 {
		numCPU = 1
	}
	return load1 / numCPU, memAvail, nil
}
