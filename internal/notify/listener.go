package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"

	"grimm.is/flatvm/internal/logging"
	"grimm.is/flatvm/internal/protocol"
	"grimm.is/flatvm/internal/transport"
)

// Listener accepts notifications from local forwarders inside the guest.
// Each connection sends one JSON DesktopNotification per line.
type Listener struct {
	Address string // unix socket path
	Logger  *logging.Logger
}

// Serve accepts connections until ctx ends and calls forward for every
// notification received. A forward error stops Serve.
func (l *Listener) Serve(ctx context.Context, forward func(protocol.DesktopNotification) error) error {
	log := logging.OrDefault(l.Logger).WithComponent("notify")

	ln, err := transport.Listen(l.Address)
	if err != nil {
		return err
	}
	log.Info("listening for notifications", "addr", l.Address)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		forwardE error
	)
	fail := func(err error) {
		errOnce.Do(func() { forwardE = err })
		cancel()
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			log.Warn("accept failed", "error", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serveConn(ctx, conn, log, forward); err != nil {
				fail(err)
			}
		}()
	}

	wg.Wait()
	return forwardE
}

func serveConn(ctx context.Context, conn net.Conn, log *logging.Logger, forward func(protocol.DesktopNotification) error) error {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64<<10), protocol.MaxFrameSize)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var n protocol.DesktopNotification
		if err := json.Unmarshal(line, &n); err != nil {
			log.Warn("dropping malformed notification", "error", err)
			continue
		}
		if err := forward(n); err != nil {
			return err
		}
	}
	return nil
}
