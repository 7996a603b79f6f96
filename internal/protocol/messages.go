package protocol

// MessageType is the discriminator of a Message.
type MessageType string

const (
	// Guest -> Host
	MsgReady        MessageType = "ready"                // Handshake, announces the agent version
	MsgAppExitCode  MessageType = "app_exit_code"        // Launched application terminated
	MsgNotification MessageType = "desktop_notification" // Forwarded desktop notification

	// Host -> Guest
	MsgMountRequest MessageType = "mount_request" // Mount a shared directory
	MsgRunRequest   MessageType = "run_request"   // Launch the application

	// Both directions
	MsgAck       MessageType = "ack"             // Result of the preceding command
	MsgClipboard MessageType = "clipboard_event" // Clipboard contents to mirror

	// Synthesized locally when a read returns zero bytes. Never on the wire.
	MsgClosed MessageType = "closed"
)

// Message is one frame of the agent protocol: a type tag plus exactly one
// payload matching it. ID is set on commands (ready, mount, run) and Ref on
// the ack answering them; both are optional on the wire, and a zero value
// means "correlate positionally".
type Message struct {
	Type MessageType `json:"type"`
	ID   uint64      `json:"id,omitempty"`
	Ref  uint64      `json:"ref,omitempty"`

	Ready        *Ready               `json:"ready,omitempty"`
	Ack          *Ack                 `json:"ack,omitempty"`
	Mount        *MountRequest        `json:"mountRequest,omitempty"`
	Run          *RunRequest          `json:"runRequest,omitempty"`
	ExitCode     *AppExitCode         `json:"appExitCode,omitempty"`
	Clipboard    *ClipboardEvent      `json:"clipboardEvent,omitempty"`
	Notification *DesktopNotification `json:"desktopNotification,omitempty"`
}

// Ready is sent by the guest when the agent starts.
type Ready struct {
	Version string `json:"version"`
}

// Ack answers a command. Status 0 is success; any other value is an
// application or mount specific failure code the protocol does not interpret.
type Ack struct {
	Status int32 `json:"status"`
}

// MountRequest asks the guest to mount a shared directory.
type MountRequest struct {
	SharedDir SharedDir `json:"sharedDir"`
}

// RunRequest asks the guest to launch an application.
type RunRequest struct {
	App                 string `json:"app"`
	RunAsUser           bool   `json:"runAsUser"`
	StartDesktopSession bool   `json:"startDesktopSession"`
}

// AppExitCode reports that the launched application terminated.
type AppExitCode struct {
	Code int32 `json:"code"`
}

// ClipboardEvent carries clipboard text to mirror on the peer.
type ClipboardEvent struct {
	Data string `json:"data"`
}

// DesktopNotification mirrors the freedesktop Notify call arguments.
type DesktopNotification struct {
	AppName       string            `json:"appName"`
	ReplacesID    uint32            `json:"replacesId,omitempty"`
	AppIcon       string            `json:"appIcon,omitempty"`
	Summary       string            `json:"summary"`
	Body          string            `json:"body,omitempty"`
	Actions       []string          `json:"actions"`
	Hints         map[string]string `json:"hints"`
	ExpireTimeout int32             `json:"expireTimeout,omitempty"`
}

// SharedDirKind scopes a shared directory.
type SharedDirKind string

const (
	SharedDirSystem SharedDirKind = "system" // System-wide runtime/installation
	SharedDirUser   SharedDirKind = "user"   // Per-user installation
	SharedDirApp    SharedDirKind = "app"    // Application data, owned by one app
)

// Valid reports whether k is a known kind.
func (k SharedDirKind) Valid() bool {
	switch k {
	case SharedDirSystem, SharedDirUser, SharedDirApp:
		return true
	}
	return false
}

// SharedDir describes a host directory exported to the guest. MountTag
// correlates it with the transport-level share set up when the VM was
// launched; the protocol passes it through untouched.
type SharedDir struct {
	Kind       SharedDirKind `json:"kind"`
	OwnerApp   string        `json:"ownerApp"`
	SourcePath string        `json:"sourcePath"`
	MountTag   string        `json:"mountTag"`
	ReadOnly   bool          `json:"readOnly"`
}

// Constructors. Each returns a well-formed Message for its type.

func NewReady(version string) Message {
	return Message{Type: MsgReady, Ready: &Ready{Version: version}}
}

func NewAck(status int32) Message {
	return Message{Type: MsgAck, Ack: &Ack{Status: status}}
}

func NewMountRequest(dir SharedDir) Message {
	return Message{Type: MsgMountRequest, Mount: &MountRequest{SharedDir: dir}}
}

func NewRunRequest(app string, asUser, desktopSession bool) Message {
	return Message{Type: MsgRunRequest, Run: &RunRequest{
		App:                 app,
		RunAsUser:           asUser,
		StartDesktopSession: desktopSession,
	}}
}

func NewAppExitCode(code int32) Message {
	return Message{Type: MsgAppExitCode, ExitCode: &AppExitCode{Code: code}}
}

func NewClipboardEvent(data string) Message {
	return Message{Type: MsgClipboard, Clipboard: &ClipboardEvent{Data: data}}
}

func NewDesktopNotification(n DesktopNotification) Message {
	return Message{Type: MsgNotification, Notification: &n}
}

// Closed is the end-of-session sentinel.
func Closed() Message {
	return Message{Type: MsgClosed}
}

// IsClosed reports whether m is the end-of-session sentinel.
func (m Message) IsClosed() bool {
	return m.Type == MsgClosed
}

// IsCommand reports whether m expects an ack from the peer.
func (m Message) IsCommand() bool {
	switch m.Type {
	case MsgReady, MsgMountRequest, MsgRunRequest:
		return true
	}
	return false
}

// payloadMatches reports whether exactly the payload for m.Type is set.
func (m Message) payloadMatches() bool {
	set := 0
	for _, p := range []bool{
		m.Ready != nil, m.Ack != nil, m.Mount != nil, m.Run != nil,
		m.ExitCode != nil, m.Clipboard != nil, m.Notification != nil,
	} {
		if p {
			set++
		}
	}

	var ok bool
	switch m.Type {
	case MsgReady:
		ok = m.Ready != nil
	case MsgAck:
		ok = m.Ack != nil
	case MsgMountRequest:
		ok = m.Mount != nil
	case MsgRunRequest:
		ok = m.Run != nil
	case MsgAppExitCode:
		ok = m.ExitCode != nil
	case MsgClipboard:
		ok = m.Clipboard != nil
	case MsgNotification:
		ok = m.Notification != nil
	default:
		return false
	}
	return ok && set == 1
}
