// Package tele implements device.Broker over MQTT 3.1.1.
// Two clients: Paho (eclipse paho) and Gomqtt (single session on 256dpi/gomqtt transport).
// Both reconnect only when asked, retry policy belongs to device.
package tele

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/attdev/device"
	"github.com/temoto/attdev/log2"
)

var (
	ErrClientClosing = fmt.Errorf("MQTT client is closing")
	ErrNotConnected  = fmt.Errorf("MQTT client not connected")
)

// Connect result codes as reported by embedded MQTT clients.
// Negative values are client side, positive come from CONNACK.
const (
	ConnectTimeout        = -4
	ConnectionLost        = -3
	ConnectFailed         = -2
	ConnectDisconnected   = -1
	ConnectOK             = 0
	ConnectBadProtocol    = 1
	ConnectBadClientID    = 2
	ConnectUnavailable    = 3
	ConnectBadCredentials = 4
	ConnectUnauthorized   = 5
)

func ConnectCodeString(code int) string {
	switch code {
	case ConnectTimeout:
		return "keepalive timeout"
	case ConnectionLost:
		return "connection broken"
	case ConnectFailed:
		return "connect failed"
	case ConnectDisconnected:
		return "disconnected"
	case ConnectOK:
		return "connected"
	case ConnectBadProtocol:
		return "bad protocol"
	case ConnectBadClientID:
		return "client id rejected"
	case ConnectUnavailable:
		return "server unavailable"
	case ConnectBadCredentials:
		return "bad username or password"
	case ConnectUnauthorized:
		return "not authorized"
	}
	return fmt.Sprintf("unknown code=%d", code)
}

// Options common to both clients.
type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	Keepalive      time.Duration
	NetworkTimeout time.Duration
	Log            *log2.Log
}

// OptionsFromConfig authenticates with device token, password is ignored by platform.
func OptionsFromConfig(c *device.Config, log *log2.Log) Options {
	return Options{
		BrokerURL:      c.BrokerURL,
		ClientID:       c.MakeClientID(),
		Username:       c.DeviceToken,
		Password:       device.BrokerPassword,
		Keepalive:      c.Keepalive(),
		NetworkTimeout: c.NetworkTimeout(),
		Log:            log,
	}
}

func (o *Options) validate() error {
	if o.Log == nil {
		return errors.NotValidf("code error tele.Options.Log=nil")
	}
	u, err := url.ParseRequestURI(o.BrokerURL)
	if err != nil {
		return errors.Annotatef(err, "config error mqtt BrokerURL=%s", o.BrokerURL)
	}
	if u.User != nil && o.Username == "" && o.Password == "" {
		o.Username = u.User.Username()
		o.Password, _ = u.User.Password()
	}
	if o.NetworkTimeout == 0 {
		o.NetworkTimeout = device.DefaultNetworkTimeout
	}
	if o.ClientID == "" {
		o.ClientID = o.Username
	}
	return nil
}

// NewBroker picks client by broker_client config.
func NewBroker(c *device.Config, log *log2.Log) (device.Broker, error) {
	mlog := log.Clone(log2.LInfo)
	if c.MqttLogDebug {
		mlog.SetLevel(log2.LDebug)
	}
	opt := OptionsFromConfig(c, mlog)
	switch c.BrokerClient {
	case "", device.BrokerClientPaho:
		return NewPaho(opt)
	case device.BrokerClientGomqtt:
		return NewGomqtt(opt)
	}
	return nil, errors.NotSupportedf("broker_client=%s", c.BrokerClient)
}

// Stat counts session events, safe for concurrent use.
type Stat struct {
	sync.Mutex
	Connects   uint32
	Lost       uint32
	Published  uint32
	Received   uint32
	LastError  string
	LastChange time.Time
}

func (self *Stat) modify(f func(*Stat)) {
	self.Lock()
	f(self)
	self.LastChange = time.Now()
	self.Unlock()
}

func (self *Stat) Copy() Stat {
	self.Lock()
	defer self.Unlock()
	return Stat{
		Connects:   self.Connects,
		Lost:       self.Lost,
		Published:  self.Published,
		Received:   self.Received,
		LastError:  self.LastError,
		LastChange: self.LastChange,
	}
}

type handlerBox struct {
	sync.Mutex
	f func(device.Message)
}

func (self *handlerBox) set(f func(device.Message)) {
	self.Lock()
	self.f = f
	self.Unlock()
}

func (self *handlerBox) call(m device.Message) {
	self.Lock()
	f := self.f
	self.Unlock()
	if f != nil {
		f(m)
	}
}
