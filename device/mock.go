package device

// Public API to test code using Device without radio and network.
import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
)

// MockWiFi associates on Begin unless told to fail or stall.
type MockWiFi struct {
	mu       sync.Mutex
	status   LinkState
	fails    int
	stall    bool
	rssi     int
	rssiErr  error
	hostname string
	begins   int
	ssid     string
}

func NewMockWiFi(rssi int) *MockWiFi { return &MockWiFi{rssi: rssi} }

func (self *MockWiFi) Begin(ctx context.Context, ssid, password string) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.begins++
	self.ssid = ssid
	if self.fails > 0 {
		self.fails--
		self.status = LinkDisconnected
		return errors.Errorf("mock wifi begin ssid=%s refused", ssid)
	}
	if self.stall {
		self.status = LinkConnecting
	} else {
		self.status = LinkConnected
	}
	return nil
}

func (self *MockWiFi) Disconnect() error {
	self.mu.Lock()
	self.status = LinkDisconnected
	self.mu.Unlock()
	return nil
}

func (self *MockWiFi) Status() LinkState {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.status
}

func (self *MockWiFi) RSSI() (int, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.rssi, self.rssiErr
}

func (self *MockWiFi) SetHostname(hostname string) error {
	self.mu.Lock()
	self.hostname = hostname
	self.mu.Unlock()
	return nil
}

// FailBegin makes next n Begin calls return error.
func (self *MockWiFi) FailBegin(n int) {
	self.mu.Lock()
	self.fails = n
	self.mu.Unlock()
}

// Stall keeps association in Connecting after Begin.
func (self *MockWiFi) Stall(stall bool) {
	self.mu.Lock()
	self.stall = stall
	self.mu.Unlock()
}

func (self *MockWiFi) SetStatus(s LinkState) {
	self.mu.Lock()
	self.status = s
	self.mu.Unlock()
}

func (self *MockWiFi) SetRSSI(rssi int, err error) {
	self.mu.Lock()
	self.rssi, self.rssiErr = rssi, err
	self.mu.Unlock()
}

func (self *MockWiFi) Begins() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.begins
}

func (self *MockWiFi) Hostname() string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.hostname
}

type Published struct {
	Message
	Retain bool
}

// MockBroker records publishes and subscriptions, Deliver feeds inbound messages.
type MockBroker struct {
	mu         sync.Mutex
	connected  bool
	fails      int
	publishErr error
	connects   int
	handler    func(Message)
	published  []Published
	subscribed []string
}

func NewMockBroker() *MockBroker { return &MockBroker{} }

func (self *MockBroker) Connect(ctx context.Context) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.connects++
	if err := ctx.Err(); err != nil {
		return err
	}
	if self.fails > 0 {
		self.fails--
		return errors.New("mock broker connection refused")
	}
	self.connected = true
	return nil
}

func (self *MockBroker) Connected() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.connected
}

func (self *MockBroker) Disconnect() error {
	self.Drop()
	return nil
}

func (self *MockBroker) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.connected {
		return errors.New("mock broker publish while disconnected")
	}
	if self.publishErr != nil {
		return self.publishErr
	}
	p := append([]byte(nil), payload...)
	self.published = append(self.published, Published{Message{Topic: topic, Payload: p}, retain})
	return nil
}

func (self *MockBroker) Subscribe(ctx context.Context, topic string) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.connected {
		return errors.New("mock broker subscribe while disconnected")
	}
	self.subscribed = append(self.subscribed, topic)
	return nil
}

func (self *MockBroker) SetHandler(f func(Message)) {
	self.mu.Lock()
	self.handler = f
	self.mu.Unlock()
}

// Deliver calls handler as transport goroutine would.
func (self *MockBroker) Deliver(topic string, payload []byte) {
	self.mu.Lock()
	h := self.handler
	self.mu.Unlock()
	if h != nil {
		h(Message{Topic: topic, Payload: payload})
	}
}

// Drop simulates lost session.
func (self *MockBroker) Drop() {
	self.mu.Lock()
	self.connected = false
	self.mu.Unlock()
}

func (self *MockBroker) FailConnect(n int) {
	self.mu.Lock()
	self.fails = n
	self.mu.Unlock()
}

func (self *MockBroker) FailPublish(err error) {
	self.mu.Lock()
	self.publishErr = err
	self.mu.Unlock()
}

func (self *MockBroker) Connects() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.connects
}

func (self *MockBroker) Published() []Published {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]Published(nil), self.published...)
}

func (self *MockBroker) Subscribed() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]string(nil), self.subscribed...)
}

// FakeClock advances only by Sleep and Add.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock { return &FakeClock{now: start} }

func (self *FakeClock) Now() time.Time {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.now
}

func (self *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	self.Add(d)
	return nil
}

func (self *FakeClock) Add(d time.Duration) {
	self.mu.Lock()
	self.now = self.now.Add(d)
	self.mu.Unlock()
}
