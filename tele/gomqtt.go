package tele

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/attdev/device"
)

// Gomqtt is device.Broker on bare gomqtt transport.
// - Connect dials and waits CONNACK, clean session only
// - no reconnect, lost session is reported by Connected()=false
// - QOS 0,1
// - serialized Publish and Subscribe, no in-flight storage
type Gomqtt struct {
	sync.Mutex
	opt     Options
	QOS     packet.QOS
	conpkt  *packet.Connect
	dialer  *transport.Dialer
	current *session
	lastID  uint32
	handler handlerBox
	stat    Stat

	flowPublish   flow
	flowSubscribe flow
}

var _ device.Broker = &Gomqtt{}

// flow is single outstanding request waiting for ack.
type flow struct {
	sync.Mutex
	fu *future.Future
	id packet.ID
}

func (f *flow) begin(id packet.ID) *future.Future {
	f.Lock()
	defer f.Unlock()
	f.fu = future.New()
	f.id = id
	return f.fu
}

func (f *flow) complete(id packet.ID, value interface{}) error {
	f.Lock()
	defer f.Unlock()
	if f.fu == nil {
		return errors.Errorf("unexpected ack id=%d", id)
	}
	if f.id != id {
		return errors.Errorf("ack id=%d expected=%d", id, f.id)
	}
	f.fu.Complete(value)
	f.fu = nil
	return nil
}

func (f *flow) cancel(err error) {
	f.Lock()
	if f.fu != nil {
		f.fu.Cancel(err)
		f.fu = nil
	}
	f.Unlock()
}

func NewGomqtt(opt Options) (*Gomqtt, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	self := &Gomqtt{
		opt:    opt,
		lastID: uint32(time.Now().UnixNano()),
	}
	self.conpkt = packet.NewConnect()
	self.conpkt.ClientID = opt.ClientID
	self.conpkt.KeepAlive = uint16(opt.Keepalive / time.Second)
	self.conpkt.CleanSession = true
	self.conpkt.Username = opt.Username
	self.conpkt.Password = opt.Password
	self.dialer = transport.NewDialer(transport.DialConfig{
		Timeout: opt.NetworkTimeout,
	})
	return self, nil
}

func (self *Gomqtt) session() *session {
	self.Lock()
	defer self.Unlock()
	if self.current != nil && !self.current.alive.IsRunning() {
		self.current = nil
	}
	return self.current
}

func (self *Gomqtt) Connected() bool { return self.session() != nil }

func (self *Gomqtt) Stat() Stat { return self.stat.Copy() }

func (self *Gomqtt) SetHandler(f func(device.Message)) { self.handler.set(f) }

// Connect dials broker, sends CONNECT and waits CONNACK within ctx deadline or network timeout.
func (self *Gomqtt) Connect(ctx context.Context) error {
	if self.session() != nil {
		return nil
	}
	timeout := ctxTimeout(ctx, self.opt.NetworkTimeout)
	log := self.opt.Log
	log.Debugf("mqtt connect broker=%s client_id=%s", self.opt.BrokerURL, self.opt.ClientID)

	conn, err := self.dialer.Dial(self.opt.BrokerURL)
	if err != nil {
		err = errors.Annotatef(err, "mqtt %s broker=%s", ConnectCodeString(ConnectFailed), self.opt.BrokerURL)
		return self.connectError(err)
	}
	if err = conn.Send(self.conpkt, false); err != nil {
		_ = conn.Close()
		return self.connectError(errors.Annotate(err, "mqtt send CONNECT"))
	}
	conn.SetReadTimeout(timeout)
	pkt, err := conn.Receive()
	if err != nil {
		_ = conn.Close()
		return self.connectError(errors.Annotate(err, "mqtt expect CONNACK"))
	}
	connack, ok := pkt.(*packet.Connack)
	if !ok {
		_ = conn.Close()
		return self.connectError(errors.Annotatef(client.ErrClientExpectedConnack, "mqtt server error pkt=%s", PacketString(pkt)))
	}
	log.Debugf("CONNACK=%s", connack.String())
	if connack.ReturnCode != packet.ConnectionAccepted {
		_ = conn.Close()
		err = errors.Annotatef(client.ErrClientConnectionDenied, "mqtt %s", ConnectCodeString(int(connack.ReturnCode)))
		return self.connectError(err)
	}
	conn.SetReadTimeout(0)

	s := newSession(conn, self.opt, self.conpkt.KeepAlive, self.onPacket, self.onDie)
	self.Lock()
	self.current = s
	self.Unlock()
	self.stat.modify(func(st *Stat) { st.Connects++ })
	log.Infof("mqtt connected broker=%s", self.opt.BrokerURL)
	return nil
}

func (self *Gomqtt) connectError(err error) error {
	self.stat.modify(func(s *Stat) { s.LastError = err.Error() })
	return err
}

func (self *Gomqtt) Disconnect() error {
	s := self.session()
	if s == nil {
		return ErrNotConnected
	}
	err := s.send(packet.NewDisconnect())
	s.die(ErrClientClosing)
	s.alive.Wait()
	self.opt.Log.Debugf("mqtt disconnected")
	return err
}

func (self *Gomqtt) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if self.QOS >= packet.QOSExactlyOnce {
		panic("code error QOS ExactlyOnce not implemented")
	}
	s := self.session()
	if s == nil {
		return errors.Annotatef(ErrNotConnected, "mqtt publish topic=%s", topic)
	}
	publish := packet.NewPublish()
	publish.Message = packet.Message{Topic: topic, Payload: payload, QOS: self.QOS, Retain: retain}
	var fu *future.Future
	if self.QOS == packet.QOSAtLeastOnce {
		publish.ID = self.nextID()
		fu = self.flowPublish.begin(publish.ID)
	}
	if err := s.send(publish); err != nil {
		self.flowPublish.cancel(err)
		return errors.Annotatef(err, "mqtt publish topic=%s", topic)
	}
	if fu != nil {
		if err := self.wait(ctx, s, fu, &self.flowPublish, "PUBACK"); err != nil {
			return errors.Annotatef(err, "mqtt publish topic=%s", topic)
		}
	}
	self.stat.modify(func(st *Stat) { st.Published++ })
	return nil
}

func (self *Gomqtt) Subscribe(ctx context.Context, topic string) error {
	s := self.session()
	if s == nil {
		return errors.Annotatef(ErrNotConnected, "mqtt subscribe topic=%s", topic)
	}
	subscribe := packet.NewSubscribe()
	subscribe.ID = self.nextID()
	subscribe.Subscriptions = []packet.Subscription{{Topic: topic, QOS: self.QOS}}
	fu := self.flowSubscribe.begin(subscribe.ID)
	if err := s.send(subscribe); err != nil {
		self.flowSubscribe.cancel(err)
		return errors.Annotatef(err, "mqtt subscribe topic=%s", topic)
	}
	return errors.Annotatef(self.wait(ctx, s, fu, &self.flowSubscribe, "SUBACK"), "mqtt subscribe topic=%s", topic)
}

func (self *Gomqtt) wait(ctx context.Context, s *session, fu *future.Future, f *flow, what string) error {
	switch err := fu.Wait(ctxTimeout(ctx, self.opt.NetworkTimeout)); err {
	case nil:
		return nil

	case future.ErrCanceled:
		if e, ok := fu.Result().(error); ok {
			return e
		}
		return ErrClientClosing

	case future.ErrTimeout:
		err = errors.Timeoutf(what)
		f.cancel(err)
		s.die(err)
		return err

	default:
		return errors.Errorf("code error future.Wait()=%v", err)
	}
}

func (self *Gomqtt) nextID() packet.ID {
	u32 := atomic.AddUint32(&self.lastID, 1)
	id := packet.ID(u32 % (1 << 16))
	if id == 0 {
		id = 1
	}
	return id
}

func (self *Gomqtt) onPacket(s *session, p packet.Generic) {
	switch pt := p.(type) {
	case *packet.Publish:
		self.onPublish(s, pt)

	case *packet.Puback:
		if err := self.flowPublish.complete(pt.ID, true); err != nil {
			// no concurrent publish flow, PUBACK for unexpected id is severe error
			s.die(errors.Annotate(err, "PUBACK"))
		}

	case *packet.Suback:
		for _, code := range pt.ReturnCodes {
			if code == packet.QOSFailure {
				self.flowSubscribe.cancel(client.ErrFailedSubscription)
				return
			}
		}
		if err := self.flowSubscribe.complete(pt.ID, true); err != nil {
			s.die(errors.Annotate(err, "SUBACK"))
		}

	default:
		self.opt.Log.Debugf("unknown packet %s", PacketString(p))
	}
}

func (self *Gomqtt) onPublish(s *session, publish *packet.Publish) {
	if publish.Message.QOS == packet.QOSExactlyOnce {
		s.die(errors.NotSupportedf("PUBLISH qos=2"))
		return
	}
	self.stat.modify(func(st *Stat) { st.Received++ })
	self.handler.call(device.Message{Topic: publish.Message.Topic, Payload: publish.Message.Payload})

	if publish.Message.QOS == packet.QOSAtLeastOnce {
		puback := packet.NewPuback()
		puback.ID = publish.ID
		_ = s.send(puback)
	}
}

func (self *Gomqtt) onDie(err error) {
	self.flowPublish.cancel(err)
	self.flowSubscribe.cancel(err)
	if err != ErrClientClosing {
		self.opt.Log.Errorf("mqtt session lost err=%v", err)
		self.stat.modify(func(st *Stat) {
			st.Lost++
			st.LastError = err.Error()
		})
	}
}

// session is single broker connection after CONNACK: reader and pinger goroutines.
type session struct {
	pingat    atomic_clock.Clock // last outgoing control packet
	pongat    atomic_clock.Clock // last incoming control packet
	alive     *alive.Alive
	closed    uint32
	conn      transport.Conn
	sendMu    sync.Mutex
	opt       Options
	keepalive uint16
	onpacket  func(*session, packet.Generic)
	ondie     func(error)
}

func newSession(conn transport.Conn, opt Options, keepalive uint16, onpacket func(*session, packet.Generic), ondie func(error)) *session {
	s := &session{
		alive:     alive.NewAlive(),
		conn:      conn,
		opt:       opt,
		keepalive: keepalive,
		onpacket:  onpacket,
		ondie:     ondie,
	}
	s.pingat.SetNow()
	s.pongat.SetNow()
	s.alive.Add(2)
	go s.pinger()
	go s.reader()
	return s
}

func (s *session) die(e error) {
	if e == nil {
		e = ErrClientClosing
	}
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return
	}
	s.alive.Stop()
	_ = s.conn.Close()
	s.ondie(e)
}

func (s *session) send(p packet.Generic) error {
	if !s.alive.IsRunning() {
		return ErrNotConnected
	}
	s.sendMu.Lock()
	err := s.conn.Send(p, false)
	s.sendMu.Unlock()
	if err != nil {
		err = errors.Annotatef(err, "send %s", p.Type().String())
		s.die(err)
		return err
	}
	s.pingat.SetNow()
	s.opt.Log.Debugf("sent %s", PacketString(p))
	return nil
}

// Sends PINGREQ only when Keepalive-NetworkTimeout passed since last sent packet.
func (s *session) pinger() {
	defer s.alive.Done()
	if s.keepalive == 0 {
		return
	}

	// [MQTT-3.1.2-24] control packets must arrive at most KeepAlive*1.5 apart
	keepalive := keepaliveAndHalf(s.keepalive)
	interval := keepalive - s.opt.NetworkTimeout
	if interval <= 0 {
		interval = keepalive / 2
	}
	stopch := s.alive.StopChan()
	for s.alive.IsRunning() {
		now := atomic_clock.Now()
		window := now.Sub(&s.pingat)
		sincePong := now.Sub(&s.pongat)

		if sincePong > keepalive {
			s.die(errors.Annotate(client.ErrClientMissingPong, ConnectCodeString(ConnectTimeout)))
			return
		}
		if window >= interval {
			if err := s.send(packet.NewPingreq()); err != nil {
				return
			}
			window = 0
		}
		select {
		case <-time.After(interval - window):
		case <-stopch:
			return
		}
	}
}

func (s *session) reader() {
	defer s.alive.Done()
	for {
		pkt, err := s.conn.Receive()
		if !s.alive.IsRunning() {
			return
		}
		switch err {
		case nil: // success path

		case io.EOF: // server closed connection
			s.die(errors.Annotate(err, ConnectCodeString(ConnectionLost)))
			return

		default:
			s.die(errors.Annotate(err, "receive"))
			return
		}
		s.pongat.SetNow()
		s.opt.Log.Debugf("received=%s", PacketString(pkt))

		switch pkt.(type) {
		case *packet.Connack:
			s.die(errors.Errorf("server error duplicate CONNACK pkt=%s", PacketString(pkt)))
			return

		case *packet.Pingresp:

		default:
			s.onpacket(s, pkt)
		}
	}
}

func ctxTimeout(ctx context.Context, def time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < def || def == 0 {
			return d
		}
	}
	return def
}
