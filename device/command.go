package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/attdev/cbor"
)

// Command is decoded actuation request.
type Command struct {
	Asset string
	// platform timestamp, informational
	At    string
	Value interface{}
}

func (self *Device) commandTopicFilter() string {
	return "device/" + self.config.DeviceID + "/asset/+/command"
}

func (self *Device) assetStateTopic(asset string) string {
	return "device/" + self.config.DeviceID + "/asset/" + asset + "/state"
}

func (self *Device) stateTopic() string {
	return "device/" + self.config.DeviceID + "/state"
}

// ParseCommandTopic extracts asset name from device/<id>/asset/<name>/command
func ParseCommandTopic(deviceID, topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "device" || parts[1] != deviceID || parts[2] != "asset" || parts[4] != "command" || parts[3] == "" {
		return "", errors.NotValidf("command topic=%s", topic)
	}
	return parts[3], nil
}

// ParseCommandBody accepts JSON {"at":..., "value":...} or CBOR map with same keys.
func ParseCommandBody(b []byte) (at string, value interface{}, err error) {
	trimmed := bytes.TrimLeft(b, " \t\r\n")
	if len(trimmed) == 0 {
		return "", nil, errors.NotValidf("command body empty")
	}
	if trimmed[0] == '{' {
		return parseCommandJSON(trimmed)
	}
	return parseCommandCbor(b)
}

func parseCommandJSON(b []byte) (string, interface{}, error) {
	var env struct {
		At    interface{}     `json:"at"`
		Value json.RawMessage `json:"value"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return "", nil, errors.Annotate(err, "command json")
	}
	if env.Value == nil {
		return "", nil, errors.NotValidf("command without value")
	}
	var v interface{}
	dec = json.NewDecoder(bytes.NewReader(env.Value))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", nil, errors.Annotate(err, "command json value")
	}
	return atString(env.At), v, nil
}

func parseCommandCbor(b []byte) (string, interface{}, error) {
	x, err := cbor.Decode(b)
	if err != nil {
		return "", nil, errors.Annotate(err, "command cbor")
	}
	m, ok := x.(cbor.Map)
	if !ok {
		return "", nil, errors.NotValidf("command cbor type=%T", x)
	}
	v, ok := m.Get("value")
	if !ok {
		return "", nil, errors.NotValidf("command without value")
	}
	at, _ := m.Get("at")
	return atString(at), v, nil
}

func atString(at interface{}) string {
	switch x := at.(type) {
	case nil:
		return ""
	case string:
		return x
	case cbor.Tag:
		return fmt.Sprint(x.Content)
	}
	return fmt.Sprint(at)
}

// Dispatch finds callback for command topic and invokes it with decoded value.
func (self *Device) Dispatch(msg Message) error {
	asset, err := ParseCommandTopic(self.config.DeviceID, msg.Topic)
	if err != nil {
		self.log.Error(err)
		return err
	}
	at, value, err := ParseCommandBody(msg.Payload)
	if err != nil {
		err = errors.Annotatef(err, "asset=%s", asset)
		self.log.Error(err)
		return err
	}
	self.log.Debugf("command asset=%s at=%s value=%v", asset, at, value)
	cb, ok := self.actuations[asset]
	if !ok {
		err = errors.NotFoundf("actuation callback asset=%s", asset)
		self.log.Error(err)
		return err
	}
	if err = cb.invoke(value); err != nil {
		err = errors.Annotatef(err, "asset=%s", asset)
		self.log.Error(err)
		return err
	}
	return nil
}
