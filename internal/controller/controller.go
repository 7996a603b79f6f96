// Package controller drives one application VM from the host: it launches
// qemu, waits for the guest agent, mounts the configured shares, starts the
// application and relays clipboard and notification traffic until the app
// exits.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"grimm.is/flatvm/internal/channel"
	"grimm.is/flatvm/internal/clipboard"
	"grimm.is/flatvm/internal/config"
	"grimm.is/flatvm/internal/logging"
	"grimm.is/flatvm/internal/metrics"
	"grimm.is/flatvm/internal/notify"
	"grimm.is/flatvm/internal/protocol"
	"grimm.is/flatvm/internal/qmp"
	"grimm.is/flatvm/internal/transport"
	"grimm.is/flatvm/internal/vmm"
)

// ErrAgentGone is returned when the agent disconnects before reporting the
// application's exit code.
var ErrAgentGone = errors.New("agent disconnected before the application exited")

// Machine is the VM lifecycle the controller needs. *vmm.VM implements it.
type Machine interface {
	Start(ctx context.Context) error
	Done() <-chan struct{}
	Stop() error
}

// Monitor powers the VM down. *qmp.Client implements it.
type Monitor interface {
	Powerdown(ctx context.Context) error
	Close() error
}

// Controller runs one application.
type Controller struct {
	Config *config.Config
	// VM is nil when the VM is managed elsewhere.
	VM     Machine
	Shares []protocol.SharedDir

	Dialer *transport.Dialer
	// DialMonitor connects to the VM's monitor. Nil disables powerdown.
	DialMonitor func(ctx context.Context) (Monitor, error)
	// Clipboard mirrors the host clipboard. Nil disables clipboard sync.
	Clipboard *clipboard.Watcher
	// Notifier shows guest notifications. Nil drops them.
	Notifier notify.Notifier
	Logger   *logging.Logger
}

// New builds a controller from cfg. With launch unset it expects the VM to
// be running already and only talks to its agent.
func New(cfg *config.Config, launch bool, logger *logging.Logger) (*Controller, error) {
	logger = logging.OrDefault(logger)
	if cfg.App == nil {
		return nil, errors.New("no app configured")
	}

	c := &Controller{
		Config: cfg,
		Dialer: &transport.Dialer{
			Attempts: cfg.Agent.ConnectAttempts,
			Interval: cfg.Agent.ConnectIntervalDuration(),
			Logger:   logger,
		},
		Logger: logger,
	}

	if launch {
		if cfg.VM == nil {
			return nil, errors.New("launching needs a vm block")
		}
		vm, err := newVM(cfg)
		if err != nil {
			return nil, err
		}
		for _, s := range cfg.Shares {
			c.Shares = append(c.Shares, withOwner(vm.AddShare(protocol.SharedDirKind(s.Kind), s.Source, s.ReadOnly), s))
		}
		c.VM = vm
	} else {
		for i, s := range cfg.Shares {
			c.Shares = append(c.Shares, withOwner(protocol.SharedDir{
				Kind:       protocol.SharedDirKind(s.Kind),
				SourcePath: s.Source,
				MountTag:   vmm.MountTag(i),
				ReadOnly:   s.ReadOnly,
			}, s))
		}
	}

	if cfg.QMP != nil && cfg.QMP.Address != "" {
		qd := &transport.Dialer{Attempts: -1, Logger: logger}
		c.DialMonitor = func(ctx context.Context) (Monitor, error) {
			return qmp.Dial(ctx, cfg.QMP.Address, qd)
		}
	}
	if cfg.Clipboard != nil && cfg.Clipboard.Enabled {
		cmd := &clipboard.Command{Read: cfg.Clipboard.ReadCommand, Write: cfg.Clipboard.WriteCommand}
		c.Clipboard = &clipboard.Watcher{
			Source:   cmd,
			Sink:     cmd,
			Interval: cfg.Clipboard.PollIntervalDuration(),
			Logger:   logger,
		}
	}
	if cfg.Notifications != nil && cfg.Notifications.Enabled {
		c.Notifier = &notify.CommandNotifier{Command: cfg.Notifications.Command}
	}
	return c, nil
}

func newVM(cfg *config.Config) (*vmm.VM, error) {
	vc := vmm.Config{
		Name:      cfg.VM.Name,
		AppID:     cfg.App.ID,
		QEMU:      cfg.VM.QEMU,
		ImagePath: cfg.VM.Image,
		Kernel:    cfg.VM.Kernel,
		CPUs:      cfg.VM.CPUs,
		MemoryMB:  cfg.VM.MemoryMB,
		Network:   cfg.VM.Network,
		Audio:     cfg.VM.Audio,
		ExtraArgs: cfg.VM.ExtraArgs,
	}
	if cfg.QMP != nil {
		vc.QMPSocket = cfg.QMP.Address
	}
	ep, err := transport.ParseAddress(cfg.Agent.Address)
	if err != nil {
		return nil, err
	}
	if ep.Network == "vsock" {
		vc.AgentCID = ep.CID
	} else {
		vc.AgentSocket = ep.Path
	}
	return vmm.NewVM(vc)
}

func withOwner(dir protocol.SharedDir, s config.ShareConfig) protocol.SharedDir {
	if s.OwnerApp != "" {
		dir.OwnerApp = s.OwnerApp
	}
	return dir
}

func (c *Controller) channelOptions() []channel.Option {
	a := c.Config.Agent
	return []channel.Option{
		channel.WithLogger(c.Logger),
		channel.WithTrace(a.Trace),
		channel.WithHandshakeTimeout(a.HandshakeTimeoutDuration()),
		channel.WithRoundTripTimeout(a.RoundTripTimeoutDuration()),
		channel.WithWriteTimeout(a.WriteTimeoutDuration()),
	}
}

// Run launches the application and returns its exit code once it
// terminates. Any error tears the VM down.
func (c *Controller) Run(ctx context.Context) (code int32, err error) {
	log := logging.OrDefault(c.Logger).WithComponent("controller")

	if c.Config.Metrics != nil && c.Config.Metrics.Listen != "" {
		stop, err := serveMetrics(c.Config.Metrics.Listen, log)
		if err != nil {
			return 0, err
		}
		defer stop()
	}

	if c.VM != nil {
		if err := c.VM.Start(ctx); err != nil {
			return 0, fmt.Errorf("start vm: %w", err)
		}
		defer func() {
			if err != nil {
				if stopErr := c.VM.Stop(); stopErr != nil {
					log.Warn("failed to stop vm", "error", stopErr)
				}
			}
		}()
	}

	conn, err := c.Dialer.Dial(ctx, c.Config.Agent.Address)
	if err != nil {
		return 0, fmt.Errorf("connect to agent: %w", err)
	}
	h := channel.NewHost(conn, c.channelOptions()...)
	defer h.Close()

	version, err := h.Initialize(ctx)
	if err != nil {
		return 0, fmt.Errorf("agent handshake: %w", err)
	}
	log.Info("agent ready", "version", version, "session", h.SessionID())

	for _, dir := range c.Shares {
		status, err := h.RequestMount(ctx, dir)
		if err != nil {
			return 0, err
		}
		if err := channel.CheckStatus("mount "+dir.MountTag, status); err != nil {
			return 0, err
		}
		log.Info("share mounted", "tag", dir.MountTag, "kind", dir.Kind, "source", dir.SourcePath)
	}

	app := c.Config.App
	status, err := h.RequestRun(ctx, app.ID, app.RunAsUser, app.DesktopSession)
	if err != nil {
		return 0, err
	}
	if err := channel.CheckStatus("run "+app.ID, status); err != nil {
		return 0, err
	}
	log.Info("application started", "app", app.ID)

	code, err = c.relay(ctx, log, h)
	if err != nil {
		return 0, err
	}
	log.Info("application exited", "app", app.ID, "code", code)
	c.shutdown(log)
	return code, nil
}

// relay serves guest events until the exit code arrives.
func (c *Controller) relay(ctx context.Context, log *logging.Logger, h *channel.Host) (int32, error) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	if c.Clipboard != nil {
		out, err := h.Duplicate()
		if err != nil {
			return 0, err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer out.Close()
			if err := c.Clipboard.Run(ctx, out.SendClipboardEvent); err != nil && ctx.Err() == nil {
				log.Warn("clipboard sync stopped", "error", err)
			}
		}()
	}

	for {
		m, err := h.PollEvent(ctx)
		if err != nil {
			return 0, err
		}
		switch m.Type {
		case protocol.MsgAppExitCode:
			metrics.Get().RecordExitCode(m.ExitCode.Code)
			return m.ExitCode.Code, nil
		case protocol.MsgClipboard:
			if c.Clipboard == nil {
				continue
			}
			if err := c.Clipboard.Inject(ctx, m.Clipboard.Data); err != nil {
				log.Warn("failed to set host clipboard", "error", err)
			}
		case protocol.MsgNotification:
			if c.Notifier == nil {
				continue
			}
			if err := c.Notifier.Notify(ctx, *m.Notification); err != nil {
				log.Warn("failed to show notification", "error", err)
			}
		case protocol.MsgClosed:
			return 0, ErrAgentGone
		}
	}
}

// shutdown asks the guest to power off and waits for qemu to exit, killing
// it when the powerdown timeout passes.
func (c *Controller) shutdown(log *logging.Logger) {
	timeout := 30 * time.Second
	if c.Config.QMP != nil {
		timeout = c.Config.QMP.PowerdownTimeoutDuration()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if c.DialMonitor != nil {
		if mon, err := c.DialMonitor(ctx); err != nil {
			log.Warn("cannot reach qemu monitor", "error", err)
		} else {
			if err := mon.Powerdown(ctx); err != nil {
				log.Warn("powerdown failed", "error", err)
			}
			mon.Close()
		}
	}

	if c.VM == nil {
		return
	}
	select {
	case <-c.VM.Done():
	case <-ctx.Done():
		log.Warn("vm did not power off in time, killing it", "timeout", timeout)
		if err := c.VM.Stop(); err != nil {
			log.Warn("failed to stop vm", "error", err)
		}
	}
}

// serveMetrics exposes /metrics on addr until the returned func is called.
func serveMetrics(addr string, log *logging.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", "error", err)
		}
	}()
	log.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
