package device

import (
	"context"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/attdev/cbor"
	"github.com/temoto/attdev/log2"
	"github.com/temoto/spq"
)

// OutboxInMemory keeps queue in memory, for tests.
const OutboxInMemory = spq.OnlyForTesting

// Outbox persists publishes made while offline.
// Worker goroutine peeks queue and hands records to control loop via ready channel,
// loop replies on ack: true removes record, false moves it to tail.
type Outbox struct {
	alive   *alive.Alive
	log     *log2.Log
	q       *spq.Queue
	ready   chan Record
	ack     chan bool
	pending *Record
}

type Record struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// MarshalBinary encodes [topic, payload, retain] as CBOR.
func (r Record) MarshalBinary() ([]byte, error) {
	out := cbor.NewDynamicOutput(len(r.Topic) + len(r.Payload) + 16)
	w := cbor.NewWriter(out)
	_ = w.WriteArray(3)
	_ = w.WriteString(r.Topic)
	_ = w.WriteBytes(r.Payload)
	_ = w.WriteBool(r.Retain)
	return out.Bytes(), nil
}

func (r *Record) UnmarshalBinary(b []byte) error {
	x, err := cbor.Decode(b)
	if err != nil {
		return errors.Annotate(err, "outbox record")
	}
	items, ok := x.([]interface{})
	if !ok || len(items) != 3 {
		return errors.NotValidf("outbox record %x", b)
	}
	topic, ok1 := items[0].(string)
	payload, ok2 := items[1].([]byte)
	retain, ok3 := items[2].(bool)
	if !(ok1 && ok2 && ok3) {
		return errors.NotValidf("outbox record %x", b)
	}
	*r = Record{Topic: topic, Payload: payload, Retain: retain}
	return nil
}

func OpenOutbox(log *log2.Log, path string) (*Outbox, error) {
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "outbox open path=%s", path)
	}
	self := &Outbox{
		alive: alive.NewAlive(),
		log:   log,
		q:     q,
		ready: make(chan Record),
		ack:   make(chan bool),
	}
	self.alive.Add(1)
	go self.worker()
	return self, nil
}

func (self *Outbox) Push(r Record) error {
	return errors.Annotate(self.q.MarshalPush(r), "outbox push")
}

func (self *Outbox) Close() error {
	self.alive.Stop()
	err := self.q.Close()
	self.alive.Wait()
	return err
}

func (self *Outbox) worker() {
	defer self.alive.Done()
	stopch := self.alive.StopChan()
	for {
		box, err := self.q.Peek()
		switch err {
		case nil:
			var r Record
			if err = box.Unmarshal(&r); err != nil {
				self.log.Errorf("outbox drop corrupted err=%v", err)
				if err = self.q.Delete(box); err != nil {
					self.log.Errorf("outbox Delete err=%v", err)
				}
				continue
			}
			select {
			case self.ready <- r:
			case <-stopch:
				return
			}
			var del bool
			select {
			case del = <-self.ack:
			case <-stopch:
				return
			}
			if del {
				err = self.q.Delete(box)
			} else {
				err = self.q.DeletePush(box)
			}
			if err != nil {
				self.log.Errorf("outbox ack=%t err=%v", del, err)
			}

		case spq.ErrClosed:
			select {
			case <-stopch: // success path
			default:
				self.log.Errorf("CRITICAL outbox spq closed unexpectedly")
			}
			return

		default:
			self.log.Errorf("CRITICAL outbox spq err=%v", err)
			return
		}
	}
}

// Flush publishes up to limit queued records without blocking.
// Record failed to publish stays first in line.
func (self *Outbox) Flush(ctx context.Context, limit int, publish func(context.Context, Record) error) (int, error) {
	sent := 0
	for sent < limit {
		if self.pending == nil {
			select {
			case r := <-self.ready:
				self.pending = &r
			default:
				return sent, nil
			}
		}
		if err := publish(ctx, *self.pending); err != nil {
			return sent, errors.Annotatef(err, "outbox flush topic=%s", self.pending.Topic)
		}
		self.pending = nil
		sent++
		select {
		case self.ack <- true:
		case <-self.alive.StopChan():
			return sent, nil
		}
	}
	return sent, nil
}
