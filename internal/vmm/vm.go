// Package vmm launches the qemu VM an application runs in.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"grimm.is/flatvm/internal/logging"
	"grimm.is/flatvm/internal/protocol"
)

// AgentPortName is the virtio-serial port name the guest agent opens.
const AgentPortName = "org.flatvm.port.0"

var ErrNotStarted = errors.New("vm not started")

type VM struct {
	Config Config

	log    *logging.Logger
	shares []protocol.SharedDir

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

func NewVM(cfg Config) (*VM, error) {
	// Verify artifacts
	if _, err := os.Stat(cfg.ImagePath); err != nil {
		return nil, fmt.Errorf("image not found at %s", cfg.ImagePath)
	}
	if cfg.Kernel != "" {
		if _, err := os.Stat(cfg.Kernel); err != nil {
			return nil, fmt.Errorf("kernel not found at %s", cfg.Kernel)
		}
	}
	if cfg.AgentSocket == "" && cfg.AgentCID == 0 {
		return nil, fmt.Errorf("no agent transport configured")
	}

	if cfg.Name == "" {
		cfg.Name = "flatvm"
	}
	if cfg.AppID == "" {
		cfg.AppID = cfg.Name
	}
	if cfg.QEMU == "" {
		cfg.QEMU = "qemu-system-x86_64"
	}
	if cfg.CPUs == 0 {
		cfg.CPUs = 1
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = 1024
	}

	return &VM{
		Config: cfg,
		log:    logging.WithComponent("vmm").WithFields(map[string]any{"vm": cfg.Name}),
	}, nil
}

// AddShare exports source to the guest under the next shareddir<N> mount
// tag and returns the descriptor the agent needs to mount it.
func (v *VM) AddShare(kind protocol.SharedDirKind, source string, readOnly bool) protocol.SharedDir {
	dir := protocol.SharedDir{
		Kind:       kind,
		OwnerApp:   v.Config.AppID,
		SourcePath: source,
		MountTag:   MountTag(len(v.shares)),
		ReadOnly:   readOnly,
	}
	v.shares = append(v.shares, dir)
	return dir
}

// MountTag is the 9p tag of the i-th share.
func MountTag(i int) string {
	return fmt.Sprintf("shareddir%d", i)
}

// Shares returns the descriptors added so far, in mount tag order.
func (v *VM) Shares() []protocol.SharedDir {
	return append([]protocol.SharedDir(nil), v.shares...)
}

// Args builds the qemu command line.
func (v *VM) Args() []string {
	c := v.Config
	args := []string{
		"-nodefaults",
		"-name", c.Name,
		"-machine", "pc,accel=kvm,kernel_irqchip=on",
		"-cpu", "host,pmu=off",
		"-smp", strconv.Itoa(c.CPUs),
		"-m", fmt.Sprintf("%dM", c.MemoryMB),
		"-drive", fmt.Sprintf("if=virtio,file=%s,snapshot=on", c.ImagePath),
	}

	if c.Kernel != "" {
		args = append(args, "-kernel", c.Kernel, "-append", "root=/dev/vda quiet")
	}

	if c.Headless {
		args = append(args, "-nographic")
	} else {
		args = append(args, "-device", "virtio-vga", "-display", "gtk")
	}

	// Agent transport
	if c.AgentCID != 0 {
		args = append(args, "-device", fmt.Sprintf("vhost-vsock-pci,guest-cid=%d", c.AgentCID))
	} else {
		args = append(args,
			"-device", "virtio-serial",
			"-chardev", fmt.Sprintf("socket,path=%s,server=on,wait=off,id=flatvm-agent", c.AgentSocket),
			"-device", "virtserialport,chardev=flatvm-agent,name="+AgentPortName,
		)
	}

	if c.QMPSocket != "" {
		args = append(args, "-qmp", fmt.Sprintf("unix:%s,server=on,wait=off", c.QMPSocket))
	}

	if c.Network {
		args = append(args,
			"-netdev", "user,id=net0",
			"-device", "virtio-net-pci,netdev=net0",
		)
	}
	if c.Audio {
		args = append(args,
			"-audiodev", "pa,id=snd0",
			"-device", "AC97,audiodev=snd0",
		)
	}

	for _, s := range v.shares {
		opt := fmt.Sprintf("local,id=%s,path=%s,security_model=none,mount_tag=%s", s.MountTag, s.SourcePath, s.MountTag)
		if s.ReadOnly {
			opt += ",readonly=on"
		}
		args = append(args, "-virtfs", opt)
	}

	return append(args, c.ExtraArgs...)
}

// Start launches qemu and returns once the process is running. Done is
// closed when it exits.
func (v *VM) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cmd != nil {
		return fmt.Errorf("vm %s already started", v.Config.Name)
	}

	for _, sock := range []string{v.Config.AgentSocket, v.Config.QMPSocket} {
		if sock == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(sock), 0o700); err != nil {
			return fmt.Errorf("create socket dir: %w", err)
		}
		if err := os.Remove(sock); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stale socket %s: %w", sock, err)
		}
	}

	bin := findBinary(v.Config.QEMU)
	cmd := exec.CommandContext(ctx, bin, v.Args()...)
	if v.Config.Debug {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	v.log.Debug("starting qemu", "bin", bin, "args", len(cmd.Args)-1)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", bin, err)
	}
	v.log.Info("vm started", "pid", cmd.Process.Pid, "shares", len(v.shares))

	v.cmd = cmd
	v.done = make(chan struct{})
	go func() {
		err := cmd.Wait()
		v.mu.Lock()
		v.waitErr = err
		v.mu.Unlock()
		close(v.done)
		v.log.Info("vm exited", "error", err)
	}()
	return nil
}

// Done is closed when the qemu process exits. It is nil before Start.
func (v *VM) Done() <-chan struct{} {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.done
}

// Wait blocks until qemu exits or ctx ends.
func (v *VM) Wait(ctx context.Context) error {
	done := v.Done()
	if done == nil {
		return ErrNotStarted
	}
	select {
	case <-done:
		v.mu.Lock()
		defer v.mu.Unlock()
		return v.waitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop kills qemu if it is still running.
func (v *VM) Stop() error {
	v.mu.Lock()
	cmd, done := v.cmd, v.done
	v.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-done
	return nil
}

func findBinary(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}

	// Common locations if not in PATH
	extraPaths := []string{
		"/usr/local/bin/" + name,
		"/usr/bin/" + name,
		"/usr/libexec/" + name,
	}

	for _, p := range extraPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return name // Fallback to original, which will eventually fail
}
