package tele

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/attdev/device"
	"github.com/temoto/attdev/log2"
)

const pahoQuiesceMs = 250

// SetPahoLog routes paho package loggers, process wide.
func SetPahoLog(log *log2.Log) {
	mqtt.ERROR = log
	mqtt.CRITICAL = log
	mqtt.WARN = log
	if log.Enabled(log2.LDebug) {
		mqtt.DEBUG = log
	}
}

// Paho adapts eclipse paho client to device.Broker.
// Auto reconnect is off, device link state machine decides when to connect.
type Paho struct {
	log     *log2.Log
	opt     Options
	m       mqtt.Client
	mopt    *mqtt.ClientOptions
	handler handlerBox
	stat    Stat
}

var _ device.Broker = &Paho{}

func NewPaho(opt Options) (*Paho, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	self := &Paho{
		log: opt.Log,
		opt: opt,
	}
	keepalive := opt.Keepalive
	if keepalive == 0 {
		keepalive = device.DefaultKeepalive
	}
	self.mopt = mqtt.NewClientOptions().
		AddBroker(opt.BrokerURL).
		SetClientID(opt.ClientID).
		SetUsername(opt.Username).
		SetPassword(opt.Password).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetKeepAlive(keepalive).
		SetPingTimeout(opt.NetworkTimeout).
		SetConnectTimeout(opt.NetworkTimeout).
		SetWriteTimeout(opt.NetworkTimeout).
		SetAutoReconnect(false).
		SetOrderMatters(false).
		SetStore(mqtt.NewMemoryStore()).
		SetDefaultPublishHandler(self.messageHandler).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	self.m = mqtt.NewClient(self.mopt)
	return self, nil
}

func (self *Paho) Connect(ctx context.Context) error {
	self.log.Debugf("mqtt connect broker=%s client_id=%s", self.opt.BrokerURL, self.opt.ClientID)
	err := waitToken(ctx, self.m.Connect(), self.opt.NetworkTimeout)
	if err != nil {
		self.stat.modify(func(s *Stat) { s.LastError = err.Error() })
		return errors.Annotatef(err, "mqtt connect broker=%s", self.opt.BrokerURL)
	}
	return nil
}

func (self *Paho) Connected() bool { return self.m.IsConnectionOpen() }

func (self *Paho) Disconnect() error {
	if !self.m.IsConnected() {
		return ErrNotConnected
	}
	self.m.Disconnect(pahoQuiesceMs)
	self.log.Debugf("mqtt disconnected")
	return nil
}

func (self *Paho) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	err := waitToken(ctx, self.m.Publish(topic, 0, retain, payload), self.opt.NetworkTimeout)
	if err != nil {
		return errors.Annotatef(err, "mqtt publish topic=%s", topic)
	}
	self.stat.modify(func(s *Stat) { s.Published++ })
	return nil
}

func (self *Paho) Subscribe(ctx context.Context, topic string) error {
	err := waitToken(ctx, self.m.Subscribe(topic, 0, nil), self.opt.NetworkTimeout)
	return errors.Annotatef(err, "mqtt subscribe topic=%s", topic)
}

func (self *Paho) SetHandler(f func(device.Message)) { self.handler.set(f) }

func (self *Paho) Stat() Stat { return self.stat.Copy() }

func (self *Paho) messageHandler(c mqtt.Client, msg mqtt.Message) {
	payload := append([]byte(nil), msg.Payload()...)
	self.log.Debugf("mqtt message topic=%s payload=%x", msg.Topic(), payload)
	self.stat.modify(func(s *Stat) { s.Received++ })
	self.handler.call(device.Message{Topic: msg.Topic(), Payload: payload})
}

func (self *Paho) connectLostHandler(c mqtt.Client, err error) {
	self.log.Errorf("mqtt connection lost err=%v", err)
	self.stat.modify(func(s *Stat) {
		s.Lost++
		s.LastError = errors.Annotate(err, ConnectCodeString(ConnectionLost)).Error()
	})
}

func (self *Paho) onConnectHandler(c mqtt.Client) {
	self.log.Infof("mqtt connected broker=%s", self.opt.BrokerURL)
	self.stat.modify(func(s *Stat) { s.Connects++ })
}

// waitToken respects ctx deadline, falls back to timeout.
func waitToken(ctx context.Context, t mqtt.Token, timeout time.Duration) error {
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return errors.Timeoutf("mqtt")
	}
	if !t.WaitTimeout(timeout) {
		return errors.Timeoutf("mqtt token wait=%v", timeout)
	}
	return t.Error()
}
