package tele

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
	"github.com/temoto/attdev/log2"
)

const testDefaultTimeout = 2 * time.Second

// fakeBroker accepts MQTT 3.1.1 clients with given username, records publishes and subscriptions.
type fakeBroker struct {
	log      *log2.Log
	ns       *transport.NetServer
	addr     string
	alive    *alive.Alive
	username string

	mu      sync.Mutex
	denyAll bool
	conns   []transport.Conn

	published  chan packet.Message
	subscribed chan packet.Subscription
}

func newFakeBroker(t testing.TB, username string) *fakeBroker {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fb := &fakeBroker{
		log:        log2.NewTest(t, log2.LDebug),
		ns:         transport.NewNetServer(l),
		addr:       l.Addr().String(),
		alive:      alive.NewAlive(),
		username:   username,
		published:  make(chan packet.Message, 64),
		subscribed: make(chan packet.Subscription, 64),
	}
	fb.log.SetPrefix("broker: ")
	fb.alive.Add(1)
	go fb.acceptLoop()
	t.Cleanup(fb.close)
	return fb
}

func (fb *fakeBroker) url() string { return "tcp://" + fb.addr }

func (fb *fakeBroker) deny() {
	fb.mu.Lock()
	fb.denyAll = true
	fb.mu.Unlock()
}

func (fb *fakeBroker) close() {
	fb.alive.Stop()
	_ = fb.ns.Close()
	fb.dropAll()
	fb.alive.Wait()
}

func (fb *fakeBroker) acceptLoop() {
	defer fb.alive.Done()
	for {
		conn, err := fb.ns.Accept()
		if err != nil || !fb.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if !fb.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go fb.serve(conn)
	}
}

func (fb *fakeBroker) serve(conn transport.Conn) {
	defer fb.alive.Done()
	defer conn.Close()

	conn.SetReadTimeout(testDefaultTimeout)
	pkt, err := conn.Receive()
	if err != nil {
		return
	}
	connect, ok := pkt.(*packet.Connect)
	if !ok {
		return
	}
	connack := packet.NewConnack()
	connack.ReturnCode = packet.ConnectionAccepted
	fb.mu.Lock()
	deny := fb.denyAll
	fb.mu.Unlock()
	if deny {
		connack.ReturnCode = packet.NotAuthorized
	} else if connect.Username != fb.username {
		connack.ReturnCode = packet.BadUsernameOrPassword
	}
	if err = conn.Send(connack, false); err != nil || connack.ReturnCode != packet.ConnectionAccepted {
		return
	}
	conn.SetReadTimeout(0)
	fb.mu.Lock()
	fb.conns = append(fb.conns, conn)
	fb.mu.Unlock()

	for {
		pkt, err := conn.Receive()
		if err != nil || !fb.alive.IsRunning() {
			return
		}
		switch p := pkt.(type) {
		case *packet.Publish:
			select {
			case fb.published <- p.Message:
			default:
			}
			if p.Message.QOS == packet.QOSAtLeastOnce {
				puback := packet.NewPuback()
				puback.ID = p.ID
				_ = conn.Send(puback, false)
			}

		case *packet.Subscribe:
			suback := packet.NewSuback()
			suback.ID = p.ID
			for _, sub := range p.Subscriptions {
				suback.ReturnCodes = append(suback.ReturnCodes, sub.QOS)
				select {
				case fb.subscribed <- sub:
				default:
				}
			}
			_ = conn.Send(suback, false)

		case *packet.Pingreq:
			_ = conn.Send(packet.NewPingresp(), false)

		case *packet.Disconnect:
			return
		}
	}
}

// deliver sends PUBLISH to every connected client.
func (fb *fakeBroker) deliver(topic string, payload []byte, qos packet.QOS) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for i, conn := range fb.conns {
		pub := packet.NewPublish()
		if qos > packet.QOSAtMostOnce {
			pub.ID = packet.ID(i + 1)
		}
		pub.Message = packet.Message{Topic: topic, Payload: payload, QOS: qos}
		_ = conn.Send(pub, false)
	}
}

func (fb *fakeBroker) dropAll() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, conn := range fb.conns {
		_ = conn.Close()
	}
	fb.conns = nil
}

func (fb *fakeBroker) expectPublish(t testing.TB) packet.Message {
	select {
	case m := <-fb.published:
		return m
	case <-time.After(testDefaultTimeout):
		t.Fatal("broker expected PUBLISH")
	}
	return packet.Message{}
}

func (fb *fakeBroker) expectSubscribe(t testing.TB) packet.Subscription {
	select {
	case s := <-fb.subscribed:
		return s
	case <-time.After(testDefaultTimeout):
		t.Fatal("broker expected SUBSCRIBE")
	}
	return packet.Subscription{}
}
