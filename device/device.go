// Package device keeps WiFi and broker links up, publishes telemetry and dispatches commands to actuation callbacks.
// Device is driven by single control loop: Connect, Loop or Run. Transports only enqueue inbound messages.
package device

import (
	"context"
	"encoding/json"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/attdev/helpers"
	"github.com/temoto/attdev/log2"
	"github.com/temoto/attdev/payload"
)

const (
	DefaultInboundSize = 64
	outboxFlushLimit   = 16
)

var ErrNotConnected = errors.New("not connected")

type link struct {
	name        string
	state       LinkState
	intentional bool
	backoff     helpers.Backoff
	nextAttempt time.Time
}

func (l *link) attempted(now time.Time, ok bool) {
	l.backoff.Failure()
	l.nextAttempt = now.Add(l.backoff.Delay())
	if ok {
		l.state = LinkConnecting
	} else {
		l.state = LinkDisconnected
	}
}

func (l *link) connected() {
	l.state = LinkConnected
	l.backoff.Reset()
	l.nextAttempt = time.Time{}
}

type Device struct {
	config *Config
	log    *log2.Log
	wifi   WiFi
	broker Broker
	clock  Clock
	poll   time.Duration

	creator       AssetCreator
	assets        []Asset
	assetsCreated bool

	actuations map[string]Actuation
	subscribed bool
	inbound    chan Message

	wl link
	bl link

	lastSignal time.Time
	outbox     *Outbox
}

type Option func(*Device)

func WithClock(c Clock) Option               { return func(d *Device) { d.clock = c } }
func WithAssetCreator(c AssetCreator) Option { return func(d *Device) { d.creator = c } }
func WithPollInterval(p time.Duration) Option {
	return func(d *Device) { d.poll = p }
}
func WithInboundSize(n int) Option {
	return func(d *Device) { d.inbound = make(chan Message, n) }
}

func NewDevice(config *Config, log *log2.Log, wifi WiFi, broker Broker, opts ...Option) (*Device, error) {
	config.ApplyDefaults()
	self := &Device{
		config:     config,
		log:        log,
		wifi:       wifi,
		broker:     broker,
		clock:      SystemClock(),
		poll:       DefaultPollInterval,
		actuations: make(map[string]Actuation, config.MaxActuations),
		wl:         link{name: "wifi", backoff: config.backoff(config.WiFiRetry())},
		bl:         link{name: "broker", backoff: config.backoff(config.BrokerRetry())},
	}
	for _, opt := range opts {
		opt(self)
	}
	if self.inbound == nil {
		self.inbound = make(chan Message, DefaultInboundSize)
	}
	self.log.Infof("device %s", config.MaskedCredentials())

	for _, ac := range config.Assets {
		if err := self.DeclareAsset(ac.Asset()); err != nil {
			return nil, errors.Annotate(err, "device config")
		}
	}
	if config.OutboxPath != "" {
		ob, err := OpenOutbox(log, config.OutboxPath)
		if err != nil {
			return nil, errors.Annotate(err, "device")
		}
		self.outbox = ob
	}
	broker.SetHandler(self.onMessage)
	return self, nil
}

// Close releases outbox. Links are left as is, use Disconnect first.
func (self *Device) Close() error {
	if self.outbox != nil {
		return self.outbox.Close()
	}
	return nil
}

func (self *Device) Config() *Config              { return self.config }
func (self *Device) WiFiState() LinkState         { return self.wl.state }
func (self *Device) BrokerState() LinkState       { return self.bl.state }
func (self *Device) Connected() bool              { return self.bl.state == LinkConnected }
func (self *Device) WiFiAttempts() int            { return self.wl.backoff.Attempts() }
func (self *Device) BrokerAttempts() int          { return self.bl.backoff.Attempts() }
func (self *Device) NextWiFiAttempt() time.Time   { return self.wl.nextAttempt }
func (self *Device) NextBrokerAttempt() time.Time { return self.bl.nextAttempt }

// Connect brings up WiFi then broker, retrying forever until ctx is done.
func (self *Device) Connect(ctx context.Context) error {
	self.wl.intentional = false
	self.bl.intentional = false
	return errors.Annotate(self.waitConnected(ctx, true), "device connect")
}

func (self *Device) ConnectWiFi(ctx context.Context) error {
	self.wl.intentional = false
	return errors.Annotate(self.waitConnected(ctx, false), "device connect wifi")
}

// ConnectBroker also brings up WiFi when needed.
func (self *Device) ConnectBroker(ctx context.Context) error {
	self.wl.intentional = false
	self.bl.intentional = false
	return errors.Annotate(self.waitConnected(ctx, true), "device connect broker")
}

func (self *Device) waitConnected(ctx context.Context, broker bool) error {
	for {
		now := self.clock.Now()
		self.MaintainWiFi(ctx, now)
		if broker {
			self.MaintainBroker(ctx, now)
		}
		if self.wl.state == LinkConnected && (!broker || self.bl.state == LinkConnected) {
			return nil
		}
		if err := self.clock.Sleep(ctx, self.poll); err != nil {
			return err
		}
	}
}

// Disconnect closes broker session then WiFi and waits until both report down.
// Links stay down until Connect.
func (self *Device) Disconnect(ctx context.Context) error {
	self.bl.intentional = true
	self.wl.intentional = true
	self.disconnectBroker()
	if err := self.wifi.Disconnect(); err != nil {
		self.log.Errorf("wifi disconnect err=%v", err)
	}
	self.wl.state = LinkDisconnected
	err := self.waitDown(ctx, func() bool { return !self.broker.Connected() && self.wifi.Status() == LinkDisconnected })
	return errors.Annotate(err, "device disconnect")
}

// DisconnectWiFi takes broker session down with it. Both links stay down,
// ConnectWiFi brings back only WiFi, ConnectBroker or Connect restores broker.
func (self *Device) DisconnectWiFi(ctx context.Context) error {
	self.wl.intentional = true
	self.bl.intentional = true
	self.disconnectBroker()
	if err := self.wifi.Disconnect(); err != nil {
		self.log.Errorf("wifi disconnect err=%v", err)
	}
	self.wl.state = LinkDisconnected
	err := self.waitDown(ctx, func() bool { return self.wifi.Status() == LinkDisconnected })
	return errors.Annotate(err, "device disconnect wifi")
}

func (self *Device) DisconnectBroker(ctx context.Context) error {
	self.bl.intentional = true
	self.disconnectBroker()
	err := self.waitDown(ctx, func() bool { return !self.broker.Connected() })
	return errors.Annotate(err, "device disconnect broker")
}

func (self *Device) disconnectBroker() {
	if self.broker.Connected() {
		if err := self.broker.Disconnect(); err != nil {
			self.log.Errorf("broker disconnect err=%v", err)
		}
	}
	if self.bl.state != LinkDisconnected {
		self.log.Infof("broker disconnected")
	}
	self.bl.state = LinkDisconnected
	self.subscribed = false
}

func (self *Device) waitDown(ctx context.Context, down func() bool) error {
	for !down() {
		if err := self.clock.Sleep(ctx, self.poll); err != nil {
			return err
		}
	}
	return nil
}

// MaintainWiFi detects lost association and starts new attempt when retry delay passed.
func (self *Device) MaintainWiFi(ctx context.Context, now time.Time) {
	status := self.wifi.Status()
	if status == LinkConnected {
		if self.wl.state != LinkConnected {
			self.onWiFiConnected(ctx)
		}
		return
	}
	if self.wl.state == LinkConnected {
		self.log.Errorf("wifi connection lost status=%s", status)
		self.wl.state = LinkDisconnected
		self.wl.nextAttempt = now
		if self.bl.state == LinkConnected {
			self.bl.state = LinkDisconnected
			self.subscribed = false
		}
	}
	if self.wl.intentional {
		self.wl.state = status
		return
	}
	if now.Before(self.wl.nextAttempt) {
		return
	}
	if self.wl.backoff.Attempts() > 0 {
		self.log.Infof("wifi attempt=%d status=%s retry", self.wl.backoff.Attempts(), status)
	}
	self.log.Debugf("wifi begin ssid=%s", self.config.WiFi.SSID)
	err := self.wifi.Begin(ctx, self.config.WiFi.SSID, self.config.WiFi.Password)
	if err != nil {
		self.log.Errorf("wifi begin ssid=%s err=%v", self.config.WiFi.SSID, err)
	}
	self.wl.attempted(now, err == nil)
}

func (self *Device) onWiFiConnected(ctx context.Context) {
	self.wl.connected()
	self.log.Infof("wifi connected ssid=%s", self.config.WiFi.SSID)
	if self.config.WiFi.Hostname != "" {
		if err := self.wifi.SetHostname(self.config.WiFi.Hostname); err != nil {
			self.log.Errorf("wifi hostname=%s err=%v", self.config.WiFi.Hostname, err)
		}
	}
	if rssi, err := self.wifi.RSSI(); err == nil {
		self.log.Debugf("wifi rssi=%d signal=%s", rssi, SignalQuality(rssi))
	}
	self.createAssets(ctx)
}

// MaintainBroker reconnects session when WiFi is up and retry delay passed.
// Also subscribes to commands once any actuation is registered.
func (self *Device) MaintainBroker(ctx context.Context, now time.Time) {
	if self.wl.state != LinkConnected {
		return
	}
	if self.broker.Connected() {
		if self.bl.state != LinkConnected {
			self.onBrokerConnected(ctx, now)
		}
		self.subscribe(ctx)
		return
	}
	if self.bl.state == LinkConnected {
		self.log.Errorf("broker connection lost")
		self.bl.state = LinkDisconnected
		self.bl.nextAttempt = now
		self.subscribed = false
	}
	if self.bl.intentional || now.Before(self.bl.nextAttempt) {
		return
	}
	self.bl.state = LinkConnecting
	tctx, cancel := context.WithTimeout(ctx, self.config.NetworkTimeout())
	err := self.broker.Connect(tctx)
	cancel()
	if err != nil {
		self.bl.attempted(now, false)
		self.log.Errorf("broker connect attempt=%d err=%v retry in %v",
			self.bl.backoff.Attempts(), err, self.bl.backoff.Delay())
		return
	}
	self.onBrokerConnected(ctx, now)
	self.subscribe(ctx)
}

func (self *Device) onBrokerConnected(ctx context.Context, now time.Time) {
	self.bl.connected()
	self.subscribed = false
	self.log.Infof("broker connected url=%s", self.config.BrokerURL)
	if self.config.SignalReporting {
		if err := self.reportSignal(ctx, now); err != nil {
			self.log.Errorf("signal report err=%v", err)
		}
	}
}

func (self *Device) subscribe(ctx context.Context) {
	if self.subscribed || len(self.actuations) == 0 {
		return
	}
	filter := self.commandTopicFilter()
	tctx, cancel := context.WithTimeout(ctx, self.config.NetworkTimeout())
	defer cancel()
	if err := self.broker.Subscribe(tctx, filter); err != nil {
		self.log.Errorf("broker subscribe topic=%s err=%v", filter, err)
		return
	}
	self.subscribed = true
	self.log.Debugf("broker subscribed topic=%s", filter)
}

// Loop runs one control iteration.
// Returns dispatch errors of this iteration, connection problems are only logged.
func (self *Device) Loop(ctx context.Context) error {
	now := self.clock.Now()
	self.MaintainWiFi(ctx, now)
	err := self.ProcessIncoming()
	if serr := self.ReportWiFiSignal(ctx, now); serr != nil {
		self.log.Errorf("signal report err=%v", serr)
	}
	self.MaintainBroker(ctx, now)
	self.flushOutbox(ctx)
	return err
}

// Run repeats Loop until ctx is done.
func (self *Device) Run(ctx context.Context) error {
	for {
		if err := self.Loop(ctx); err != nil {
			self.log.Errorf("loop err=%v", err)
		}
		if err := self.clock.Sleep(ctx, self.poll); err != nil {
			return err
		}
	}
}

func (self *Device) onMessage(m Message) {
	select {
	case self.inbound <- m:
	default:
		self.log.Errorf("inbound queue full, dropped topic=%s", m.Topic)
	}
}

// ProcessIncoming dispatches all queued inbound messages.
func (self *Device) ProcessIncoming() error {
	var errs []error
	for {
		select {
		case m := <-self.inbound:
			if err := self.Dispatch(m); err != nil {
				errs = append(errs, err)
			}
		default:
			return helpers.FoldErrors(errs)
		}
	}
}

// Send publishes single value as JSON {"value":v} to asset state topic.
func (self *Device) Send(ctx context.Context, asset string, v interface{}) error {
	if !assetNameRegexp.MatchString(asset) {
		return errors.NotValidf("send asset name=%q", asset)
	}
	body, err := json.Marshal(struct {
		Value interface{} `json:"value"`
	}{v})
	if err != nil {
		return errors.Annotatef(err, "send asset=%s", asset)
	}
	return self.publish(ctx, self.assetStateTopic(asset), body)
}

// SendPayload publishes payload bytes to device state topic.
// Payload is not reset.
func (self *Device) SendPayload(ctx context.Context, p payload.Payload) error {
	b := p.Bytes()
	if b == nil {
		return errors.NotValidf("send payload empty")
	}
	return self.publish(ctx, self.stateTopic(), b)
}

func (self *Device) publish(ctx context.Context, topic string, body []byte) error {
	err := self.brokerPublish(ctx, topic, body, false)
	if err == nil {
		return nil
	}
	if self.outbox != nil {
		self.log.Debugf("publish topic=%s queued reason=%v", topic, err)
		return errors.Annotate(self.outbox.Push(Record{Topic: topic, Payload: body}), "publish")
	}
	self.log.Errorf("publish topic=%s err=%v", topic, err)
	return err
}

func (self *Device) brokerPublish(ctx context.Context, topic string, body []byte, retain bool) error {
	if self.wl.state != LinkConnected {
		return errors.Annotate(ErrNotConnected, self.wl.name)
	}
	if self.bl.state != LinkConnected || !self.broker.Connected() {
		return errors.Annotate(ErrNotConnected, self.bl.name)
	}
	tctx, cancel := context.WithTimeout(ctx, self.config.NetworkTimeout())
	defer cancel()
	self.log.Debugf("publish topic=%s size=%d", topic, len(body))
	return errors.Annotatef(self.broker.Publish(tctx, topic, body, retain), "publish topic=%s", topic)
}

func (self *Device) flushOutbox(ctx context.Context) {
	if self.outbox == nil || self.bl.state != LinkConnected {
		return
	}
	n, err := self.outbox.Flush(ctx, outboxFlushLimit, func(ctx context.Context, r Record) error {
		return self.brokerPublish(ctx, r.Topic, r.Payload, r.Retain)
	})
	if n != 0 {
		self.log.Debugf("outbox sent=%d", n)
	}
	if err != nil {
		self.log.Errorf("outbox err=%v", err)
	}
}

// WiFiSignal describes current RSSI, see SignalQuality.
func (self *Device) WiFiSignal() (string, error) {
	rssi, err := self.wifi.RSSI()
	if err != nil {
		return "", errors.Annotate(err, "wifi rssi")
	}
	return SignalQuality(rssi), nil
}

// ReportWiFiSignal sends signal quality when enabled, WiFi is up and interval passed since last report.
func (self *Device) ReportWiFiSignal(ctx context.Context, now time.Time) error {
	if !self.config.SignalReporting || self.wl.state != LinkConnected {
		return nil
	}
	if !self.lastSignal.IsZero() && now.Sub(self.lastSignal) < self.config.SignalInterval() {
		return nil
	}
	return self.reportSignal(ctx, now)
}

func (self *Device) reportSignal(ctx context.Context, now time.Time) error {
	self.lastSignal = now
	q, err := self.WiFiSignal()
	if err != nil {
		return err
	}
	return self.Send(ctx, self.config.SignalAsset, q)
}
