package device

import (
	"context"
	"fmt"
	"time"
)

type LinkState uint8

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "Disconnected"
	case LinkConnecting:
		return "Connecting"
	case LinkConnected:
		return "Connected"
	}
	return fmt.Sprintf("LinkState(%d)", s)
}

// WiFi association driver.
// Begin starts association and returns without waiting, Status reports progress.
type WiFi interface {
	Begin(ctx context.Context, ssid, password string) error
	Disconnect() error
	Status() LinkState
	// dBm
	RSSI() (int, error)
	SetHostname(hostname string) error
}

type Message struct {
	Topic   string
	Payload []byte
}

// Broker is publish-subscribe client session.
// Handler may be called from transport goroutine.
type Broker interface {
	Connect(ctx context.Context) error
	Connected() bool
	Disconnect() error
	Publish(ctx context.Context, topic string, payload []byte, retain bool) error
	Subscribe(ctx context.Context, topic string) error
	SetHandler(func(Message))
}

// Clock drives connection retries and periodic reports.
type Clock interface {
	Now() time.Time
	// Sleep returns ctx.Err() when ctx is done first.
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
