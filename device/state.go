package device

import (
	"io"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/attdev/cbor"
	"github.com/temoto/attdev/log2"
	"github.com/temoto/extremofile"
)

// Storage rewrites file in place without truncate, record must keep its size.
const stateRecordSize = 128

// State survives restarts: generated MQTT client id and boot counter.
type State struct {
	ClientID string
	Boots    uint32
}

// MarshalBinary encodes [client_id, boots] padded with zero bytes to fixed size.
func (s State) MarshalBinary() ([]byte, error) {
	out := cbor.NewStaticOutput(stateRecordSize)
	w := cbor.NewWriter(out)
	err := w.WriteArray(2)
	if err == nil {
		err = w.WriteString(s.ClientID)
	}
	if err == nil {
		err = w.WriteUint(uint64(s.Boots))
	}
	if err != nil {
		return nil, errors.Annotatef(err, "state client_id=%s", s.ClientID)
	}
	b := make([]byte, stateRecordSize)
	copy(b, out.Bytes())
	return b, nil
}

func (s *State) UnmarshalBinary(b []byte) error {
	// padding decodes as zero integers after the record
	vs, err := cbor.DecodeAll(b)
	if err != nil {
		return errors.Annotate(err, "state")
	}
	if len(vs) == 0 {
		return errors.NotValidf("state empty")
	}
	items, ok := vs[0].([]interface{})
	if !ok || len(items) != 2 {
		return errors.NotValidf("state record %x", b)
	}
	clientID, ok := items[0].(string)
	if !ok {
		return errors.NotValidf("state record %x", b)
	}
	var boots uint64
	switch x := items[1].(type) {
	case int64:
		if x < 0 {
			return errors.NotValidf("state boots=%d", x)
		}
		boots = uint64(x)
	case uint64:
		boots = x
	default:
		return errors.NotValidf("state record %x", b)
	}
	if boots > math.MaxUint32 {
		return errors.NotValidf("state boots=%d", boots)
	}
	*s = State{ClientID: clientID, Boots: uint32(boots)}
	return nil
}

type stateStorage interface {
	Read() ([]byte, error)
	io.Writer
}

// StateStore binds State to crash safe file storage (main and backup copies with checksum).
type StateStore struct {
	sync.Mutex
	log     *log2.Log
	dir     string
	storage stateStorage
}

func OpenStateStore(log *log2.Log, dir string) (*StateStore, error) {
	if dir == "" {
		return nil, errors.NotValidf("state dir empty")
	}
	self := &StateStore{
		log: log,
		dir: dir,
		storage: extremofile.New(extremofile.Config{
			Dir:        filepath.Clean(dir),
			FilePrefix: "state.",
			DirPerm:    0755,
			FilePerm:   0644,
		}),
	}
	return self, nil
}

// Load returns zero State when nothing was stored yet.
// Backup copy is used when main is damaged, that is logged but not an error.
func (self *StateStore) Load() (State, error) {
	self.Lock()
	defer self.Unlock()
	var s State
	tbegin := time.Now()
	b, err := self.storage.Read()
	self.log.Debugf("state read dir=%s duration=%v", self.dir, time.Since(tbegin))
	if extremofile.IsCritical(err) {
		return s, errors.Annotatef(err, "state load dir=%s", self.dir)
	}
	if err != nil {
		self.log.Errorf("state dir=%s ignore non-critical storage err=%v", self.dir, err)
	}
	if b == nil {
		return s, nil
	}
	err = s.UnmarshalBinary(b)
	return s, errors.Annotatef(err, "state load dir=%s", self.dir)
}

func (self *StateStore) Store(s State) error {
	b, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	self.Lock()
	defer self.Unlock()
	tbegin := time.Now()
	_, err = self.storage.Write(b)
	self.log.Debugf("state write dir=%s duration=%v", self.dir, time.Since(tbegin))
	return errors.Annotatef(err, "state store dir=%s", self.dir)
}

// ApplyState fills empty client_id from state, generating and remembering one when state has none.
func (c *Config) ApplyState(s *State) {
	if c.ClientID != "" {
		return
	}
	if s.ClientID == "" {
		s.ClientID = c.MakeClientID()
	}
	c.ClientID = s.ClientID
}

// Boot loads state, counts this boot, applies client id to config and stores state back.
func Boot(log *log2.Log, c *Config) (State, error) {
	store, err := OpenStateStore(log, c.StatePath)
	if err != nil {
		return State{}, err
	}
	s, err := store.Load()
	if err != nil {
		// damaged state must not keep device offline
		log.Error(errors.ErrorStack(err))
		s = State{}
	}
	s.Boots++
	c.ApplyState(&s)
	return s, store.Store(s)
}
