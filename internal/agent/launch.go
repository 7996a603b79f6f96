package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/creack/pty"

	"grimm.is/flatvm/internal/logging"
	"grimm.is/flatvm/internal/protocol"
)

const defaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Launcher starts the application named in a run request.
type Launcher interface {
	Start(ctx context.Context, req protocol.RunRequest) (Process, error)
}

// Process is a started application.
type Process interface {
	// Wait blocks until the application exits and returns its exit code.
	Wait() int32
}

// ExecLauncher runs Command followed by the app id as a child process.
type ExecLauncher struct {
	Command        []string
	DBusRunSession []string
	User           string // account used when the request asks to run as user
	// Terminal attaches the app to a pseudo-terminal and logs its output.
	Terminal bool
	Logger   *logging.Logger

	// LookupUser resolves User. Nil uses the system user database.
	LookupUser func(name string) (*user.User, error)
}

// Argv is the command line for req.
func (l *ExecLauncher) Argv(req protocol.RunRequest) []string {
	var argv []string
	if req.StartDesktopSession {
		argv = append(argv, l.DBusRunSession...)
	}
	argv = append(argv, l.Command...)
	return append(argv, req.App)
}

func (l *ExecLauncher) Start(ctx context.Context, req protocol.RunRequest) (Process, error) {
	if req.App == "" || strings.HasPrefix(req.App, "-") {
		return nil, fmt.Errorf("invalid app id %q", req.App)
	}
	argv := l.Argv(req)
	log := logging.OrDefault(l.Logger).WithComponent("launch").WithFields(map[string]any{"app": req.App})

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = "/"
	cmd.Env = withPath(os.Environ())
	attrs := &syscall.SysProcAttr{}

	if req.RunAsUser {
		u, cred, err := l.credential()
		if err != nil {
			return nil, err
		}
		attrs.Credential = cred
		cmd.Dir = u.HomeDir
		cmd.Env = append(cmd.Env, "HOME="+u.HomeDir, "USER="+u.Username, "LOGNAME="+u.Username)
	}

	p := &execProcess{cmd: cmd, log: log}
	if l.Terminal {
		// pty.StartWithAttrs makes the child a session leader, so no Setpgid.
		f, err := pty.StartWithAttrs(cmd, nil, attrs)
		if err != nil {
			return nil, fmt.Errorf("start %s on pty: %w", argv[0], err)
		}
		p.output = f
		p.copied = make(chan struct{})
		go p.logOutput(f)
	} else {
		attrs.Setpgid = true
		cmd.SysProcAttr = attrs
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start %s: %w", argv[0], err)
		}
	}

	log.Info("application started", "pid", cmd.Process.Pid, "argv", argv)
	return p, nil
}

func (l *ExecLauncher) credential() (*user.User, *syscall.Credential, error) {
	name := l.User
	if name == "" {
		return nil, nil, errors.New("no user configured for run as user")
	}
	lookup := l.LookupUser
	if lookup == nil {
		lookup = user.Lookup
	}
	u, err := lookup(name)
	if err != nil {
		return nil, nil, fmt.Errorf("look up user %s: %w", name, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("user %s: bad uid %q", name, u.Uid)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("user %s: bad gid %q", name, u.Gid)
	}
	return u, &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

func withPath(env []string) []string {
	for i, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			env[i] = defaultPath
			return env
		}
	}
	return append(env, defaultPath)
}

type execProcess struct {
	cmd    *exec.Cmd
	log    *logging.Logger
	output *os.File
	copied chan struct{}
}

func (p *execProcess) logOutput(r io.Reader) {
	defer close(p.copied)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.log.Debug("app output", "line", sc.Text())
	}
}

func (p *execProcess) Wait() int32 {
	err := p.cmd.Wait()
	if p.output != nil {
		// Reads return EIO once the child side of the pty is gone.
		<-p.copied
		p.output.Close()
	}
	return exitCode(err)
}

// exitCode converts a Wait error into a shell-style exit status: the
// process's own code, 128+signal when it was killed, 1 otherwise.
func exitCode(err error) int32 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int32(ws.Signal())
	}
	if code := exitErr.ExitCode(); code >= 0 {
		return int32(code)
	}
	return 1
}

// startStatus is the ack status for a launch that failed: 127 when the
// command does not exist, 126 when it cannot be executed, 1 otherwise.
func startStatus(err error) int32 {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return 127
	case errors.Is(err, os.ErrPermission):
		return 126
	}
	return 1
}
