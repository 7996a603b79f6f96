package vmm

type Config struct {
	Name      string // VM name, shown in qemu's window title
	AppID     string // Owner of app-scoped shares; defaults to Name
	QEMU      string // qemu binary; defaults to qemu-system-x86_64
	ImagePath string // Template disk, opened with snapshot=on so the VM never writes it
	Kernel    string
	CPUs      int
	MemoryMB  int
	Network   bool
	Audio     bool
	Headless  bool // -nographic instead of a gtk window

	AgentSocket string // Unix socket qemu serves the agent's virtio port on
	AgentCID    uint32 // When set, use vhost-vsock with this guest CID instead of AgentSocket
	QMPSocket   string

	ExtraArgs []string
	Debug     bool // Pass qemu's stdout/stderr through
}
