// Package agent is the guest side of flatvm. It connects to the host over
// the virtio console port, announces itself, then mounts the shares and
// launches the application the host asks for, reporting the app's exit
// code when it terminates. Clipboard changes and desktop notifications
// raised inside the VM are forwarded to the host.
package agent

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"grimm.is/flatvm/internal/channel"
	"grimm.is/flatvm/internal/clipboard"
	"grimm.is/flatvm/internal/logging"
	"grimm.is/flatvm/internal/metrics"
	"grimm.is/flatvm/internal/notify"
	"grimm.is/flatvm/internal/protocol"
	"grimm.is/flatvm/internal/transport"
)

// Agent serves one host connection.
type Agent struct {
	Version  string
	Mounter  Mounter
	Launcher Launcher
	// Clipboard mirrors the guest clipboard. Nil disables clipboard sync.
	Clipboard *clipboard.Watcher
	// Notifications collects local notifications. Nil disables forwarding.
	Notifications *notify.Listener
	// Connect opens the transport to the host.
	Connect func(ctx context.Context) (io.ReadWriteCloser, error)
	Options []channel.Option
	Logger  *logging.Logger

	wg sync.WaitGroup // launched apps still being waited on
}

// New builds an agent from cfg.
func New(cfg *Config, version string, logger *logging.Logger) *Agent {
	logger = logging.OrDefault(logger)
	d := &transport.Dialer{
		Attempts: cfg.ConnectAttempts,
		Interval: cfg.connectInterval(),
		Logger:   logger,
	}

	a := &Agent{
		Version: version,
		Mounter: &NinePMounter{Root: cfg.MountRoot},
		Launcher: &ExecLauncher{
			Command:        cfg.Launch,
			DBusRunSession: cfg.DBusRunSession,
			User:           cfg.User,
			Terminal:       cfg.Terminal,
			Logger:         logger,
		},
		Options: []channel.Option{channel.WithLogger(logger), channel.WithTrace(cfg.Trace)},
		Logger:  logger,
	}

	if cfg.Address != "" {
		a.Connect = func(ctx context.Context) (io.ReadWriteCloser, error) {
			return d.Dial(ctx, cfg.Address)
		}
	} else {
		a.Connect = func(ctx context.Context) (io.ReadWriteCloser, error) {
			return d.OpenPort(ctx, cfg.Port...)
		}
	}

	if cfg.Clipboard.Enabled {
		cmd := &clipboard.Command{Read: cfg.Clipboard.ReadCommand, Write: cfg.Clipboard.WriteCommand}
		a.Clipboard = &clipboard.Watcher{
			Source:   cmd,
			Sink:     cmd,
			Interval: cfg.pollInterval(),
			Logger:   logger,
		}
	}
	if cfg.Notifications.Enabled {
		a.Notifications = &notify.Listener{Address: cfg.Notifications.Socket, Logger: logger}
	}
	return a
}

// Run connects, performs the handshake and serves host commands until the
// host closes the connection or ctx ends. A clean close returns nil.
func (a *Agent) Run(ctx context.Context) error {
	log := logging.OrDefault(a.Logger).WithComponent("agent")

	conn, err := a.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect to host: %w", err)
	}
	g := channel.NewGuest(conn, a.Options...)
	defer g.Close()

	status, err := g.Handshake(ctx, a.Version)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if status != 0 {
		log.Warn("host answered ready with non-zero status", "status", status)
	}
	log.Info("connected to host", "version", a.Version, "session", g.SessionID())

	ctx, cancel := context.WithCancel(ctx)
	var side sync.WaitGroup
	defer func() {
		cancel()
		side.Wait()
	}()
	if a.Clipboard != nil {
		a.spawn(ctx, &side, g, "clipboard", func(ctx context.Context, out *channel.Guest) error {
			return a.Clipboard.Run(ctx, out.SendClipboardEvent)
		})
	}
	if a.Notifications != nil {
		a.spawn(ctx, &side, g, "notifications", func(ctx context.Context, out *channel.Guest) error {
			return a.Notifications.Serve(ctx, out.SendDesktopNotification)
		})
	}

	for {
		m, err := g.PollEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		switch m.Type {
		case protocol.MsgMountRequest:
			if err := g.Acknowledge(a.mount(log, m.Mount.SharedDir)); err != nil {
				return err
			}
		case protocol.MsgRunRequest:
			status, watch := a.run(ctx, log, g, *m.Run)
			err := g.Acknowledge(status)
			if watch != nil {
				// After the ack, so the exit code never overtakes it.
				watch()
			}
			if err != nil {
				return err
			}
		case protocol.MsgClipboard:
			if a.Clipboard == nil {
				log.Debug("clipboard sync disabled, dropping event")
				continue
			}
			if err := a.Clipboard.Inject(ctx, m.Clipboard.Data); err != nil {
				log.Warn("failed to set clipboard", "error", err)
			}
		case protocol.MsgAck:
			log.Warn("unexpected ack from host", "status", m.Ack.Status, "ref", m.Ref)
		case protocol.MsgClosed:
			log.Info("host closed the connection")
			return nil
		}
	}
}

// Wait blocks until every launched app has exited and been reported.
func (a *Agent) Wait() {
	a.wg.Wait()
}

// spawn runs fn on a duplicated handle. It logs fn's error unless the
// channel went away first.
func (a *Agent) spawn(ctx context.Context, wg *sync.WaitGroup, g *channel.Guest, name string, fn func(context.Context, *channel.Guest) error) {
	log := logging.OrDefault(a.Logger).WithComponent(name)
	out, err := g.Duplicate()
	if err != nil {
		log.Warn("not started", "error", err)
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer out.Close()
		err := fn(ctx, out)
		if err != nil && ctx.Err() == nil && out.State() == channel.StateReady {
			log.Error("stopped", "error", err)
		}
	}()
}

func (a *Agent) mount(log *logging.Logger, dir protocol.SharedDir) int32 {
	target, err := a.Mounter.Mount(dir)
	metrics.Get().RecordMount(string(dir.Kind), err)
	if err != nil {
		log.Error("mount failed", "tag", dir.MountTag, "kind", dir.Kind, "error", err)
		return mountStatus(err)
	}
	log.Info("mounted share", "tag", dir.MountTag, "kind", dir.Kind, "path", target, "ro", dir.ReadOnly)
	return 0
}

// run starts the app and returns the ack status. On success it also
// returns watch, which reports the exit code once the app terminates.
func (a *Agent) run(ctx context.Context, log *logging.Logger, g *channel.Guest, req protocol.RunRequest) (status int32, watch func()) {
	runID := uuid.NewString()
	log = log.WithFields(map[string]any{"app": req.App, "run": runID[:8]})

	// Take the reporting handle first so the exit code can always be sent.
	out, err := g.Duplicate()
	if err != nil {
		log.Error("cannot report exit code", "error", err)
		return 1, nil
	}
	proc, err := a.Launcher.Start(ctx, req)
	if err != nil {
		out.Close()
		metrics.Get().AppsLaunched.WithLabelValues("error").Inc()
		log.Error("launch failed", "error", err)
		return startStatus(err), nil
	}
	metrics.Get().AppsLaunched.WithLabelValues("ok").Inc()

	a.wg.Add(1)
	return 0, func() {
		go func() {
			defer a.wg.Done()
			defer out.Close()
			code := proc.Wait()
			metrics.Get().RecordExitCode(code)
			log.Info("application exited", "code", code)
			if err := out.ReportExitCode(code); err != nil {
				log.Warn("failed to report exit code", "code", code, "error", err)
			}
		}()
	}
}
