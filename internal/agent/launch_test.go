package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flatvm/internal/logging"
	"grimm.is/flatvm/internal/protocol"
	"grimm.is/flatvm/internal/testutil"
)

func TestLauncherArgv(t *testing.T) {
	l := &ExecLauncher{
		Command:        []string{"flatpak", "run"},
		DBusRunSession: []string{"dbus-run-session", "--"},
	}

	assert.Equal(t, []string{"flatpak", "run", "org.example.App"},
		l.Argv(protocol.RunRequest{App: "org.example.App"}))
	assert.Equal(t, []string{"dbus-run-session", "--", "flatpak", "run", "org.example.App"},
		l.Argv(protocol.RunRequest{App: "org.example.App", StartDesktopSession: true}))
}

func TestLauncherExitCode(t *testing.T) {
	// sh -c SCRIPT NAME: the app id lands in $0.
	l := &ExecLauncher{Command: []string{"sh", "-c", "exit 3"}, Logger: logging.Discard()}
	p, err := l.Start(context.Background(), protocol.RunRequest{App: "org.example.App"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), p.Wait())
}

func TestLauncherSignalExit(t *testing.T) {
	l := &ExecLauncher{Command: []string{"sh", "-c", "kill -TERM $$"}, Logger: logging.Discard()}
	p, err := l.Start(context.Background(), protocol.RunRequest{App: "org.example.App"})
	require.NoError(t, err)
	assert.Equal(t, int32(128+15), p.Wait())
}

func TestLauncherTerminal(t *testing.T) {
	testutil.RequirePTY(t)
	l := &ExecLauncher{Command: []string{"sh", "-c", "echo hello; exit 0"}, Terminal: true, Logger: logging.Discard()}
	p, err := l.Start(context.Background(), protocol.RunRequest{App: "org.example.App"})
	require.NoError(t, err)
	assert.Equal(t, int32(0), p.Wait())
}

func TestLauncherStartErrors(t *testing.T) {
	l := &ExecLauncher{Command: []string{"/nonexistent/flatpak", "run"}, Logger: logging.Discard()}
	_, err := l.Start(context.Background(), protocol.RunRequest{App: "org.example.App"})
	require.Error(t, err)
	assert.Equal(t, int32(127), startStatus(err))

	_, err = l.Start(context.Background(), protocol.RunRequest{App: "--help"})
	assert.Error(t, err, "app ids cannot look like flags")

	_, err = (&ExecLauncher{Command: []string{"true"}}).Start(context.Background(), protocol.RunRequest{App: "a", RunAsUser: true})
	assert.Error(t, err, "run as user needs a configured account")

	l = &ExecLauncher{
		Command: []string{"true"},
		User:    "nobody-here",
		LookupUser: func(name string) (*user.User, error) {
			return nil, user.UnknownUserError(name)
		},
	}
	_, err = l.Start(context.Background(), protocol.RunRequest{App: "a", RunAsUser: true})
	assert.Error(t, err)
}

func TestLauncherCredential(t *testing.T) {
	l := &ExecLauncher{
		User: "flatvm",
		LookupUser: func(name string) (*user.User, error) {
			return &user.User{Username: name, Uid: "1000", Gid: "100", HomeDir: "/home/flatvm"}, nil
		},
	}
	u, cred, err := l.credential()
	require.NoError(t, err)
	assert.Equal(t, "/home/flatvm", u.HomeDir)
	assert.Equal(t, uint32(1000), cred.Uid)
	assert.Equal(t, uint32(100), cred.Gid)

	l.LookupUser = func(name string) (*user.User, error) {
		return &user.User{Username: name, Uid: "x", Gid: "100"}, nil
	}
	_, _, err = l.credential()
	assert.Error(t, err)
}

func TestStartStatus(t *testing.T) {
	assert.Equal(t, int32(127), startStatus(fmt.Errorf("start: %w", exec.ErrNotFound)))
	assert.Equal(t, int32(126), startStatus(&os.PathError{Op: "fork/exec", Path: "/app", Err: os.ErrPermission}))
	assert.Equal(t, int32(1), startStatus(errors.New("boom")))
}

func TestWithPath(t *testing.T) {
	assert.Equal(t, []string{"A=1", defaultPath}, withPath([]string{"A=1", "PATH=/opt"}))
	assert.Equal(t, []string{"A=1", defaultPath}, withPath([]string{"A=1"}))
}
