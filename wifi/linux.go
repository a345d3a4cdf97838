// Package wifi implements device.WiFi on Linux with wpa_supplicant.
// Association is driven by wpa_cli, signal level comes from /proc/net/wireless.
package wifi

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/attdev/device"
	"github.com/temoto/attdev/log2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sys/unix"
)

const (
	DefaultInterface = "wlan0"
	DefaultProcPath  = "/proc/net/wireless"
	cmdTimeout       = 5 * time.Second

	// IEEE 802.11i passphrase to PSK mapping
	pskIterations = 4096
	pskSize       = 32
)

// Runner executes external command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

type Linux struct {
	log         *log2.Log
	iface       string
	procPath    string
	run         Runner
	sethostname func([]byte) error

	mu      sync.Mutex
	network string // wpa_supplicant network id, empty when not configured
}

var _ device.WiFi = &Linux{}

type Option func(*Linux)

func WithRunner(r Runner) Option                  { return func(self *Linux) { self.run = r } }
func WithProcPath(path string) Option             { return func(self *Linux) { self.procPath = path } }
func WithSethostname(f func([]byte) error) Option { return func(self *Linux) { self.sethostname = f } }

func New(log *log2.Log, iface string, opts ...Option) *Linux {
	if iface == "" {
		iface = DefaultInterface
	}
	self := &Linux{
		log:         log,
		iface:       iface,
		procPath:    DefaultProcPath,
		run:         execRunner,
		sethostname: unix.Sethostname,
	}
	for _, opt := range opts {
		opt(self)
	}
	return self
}

func (self *Linux) Interface() string { return self.iface }

// Network returns wpa_supplicant id of network selected by last successful Begin.
func (self *Linux) Network() string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.network
}

// Begin replaces configured networks with ssid and selects it.
// wpa_supplicant associates in background.
func (self *Linux) Begin(ctx context.Context, ssid, password string) error {
	if ssid == "" {
		return errors.NotValidf("wifi ssid empty")
	}
	var key string
	if password != "" {
		var err error
		if key, err = PSK(ssid, password); err != nil {
			return err
		}
	}
	self.mu.Lock()
	defer self.mu.Unlock()

	if _, err := self.wpa(ctx, "remove_network", "all"); err != nil {
		return errors.Annotate(err, "wifi begin")
	}
	self.network = ""
	out, err := self.wpaRaw(ctx, "add_network")
	if err != nil {
		return errors.Annotate(err, "wifi begin")
	}
	id := strings.TrimSpace(string(out))
	if _, err := strconv.ParseUint(id, 10, 16); err != nil {
		return errors.Errorf("wifi add_network unexpected output=%q", out)
	}

	steps := [][]string{
		// hex form avoids quoting issues with arbitrary ssid bytes
		{"set_network", id, "ssid", hex.EncodeToString([]byte(ssid))},
	}
	if password == "" {
		steps = append(steps, []string{"set_network", id, "key_mgmt", "NONE"})
	} else {
		steps = append(steps, []string{"set_network", id, "psk", key})
	}
	steps = append(steps,
		[]string{"enable_network", id},
		[]string{"select_network", id},
	)
	for _, step := range steps {
		if _, err := self.wpa(ctx, step...); err != nil {
			return errors.Annotatef(err, "wifi begin ssid=%s", ssid)
		}
	}
	self.network = id
	self.log.Debugf("wifi begin iface=%s ssid=%s network=%s", self.iface, ssid, id)
	return nil
}

// PSK returns WPA key as 64 hex digits for wpa_cli, passphrase never reaches command line.
// Passphrase of 8..63 chars is hashed like wpa_passphrase does, 64 hex digits are taken as raw key.
func PSK(ssid, password string) (string, error) {
	if len(password) == 2*pskSize {
		if _, err := hex.DecodeString(password); err == nil {
			return strings.ToLower(password), nil
		}
	}
	if len(password) < 8 || len(password) > 63 {
		return "", errors.NotValidf("wifi passphrase length=%d expected=8..63", len(password))
	}
	key := pbkdf2.Key([]byte(password), []byte(ssid), pskIterations, pskSize, sha1.New)
	return hex.EncodeToString(key), nil
}

func (self *Linux) Disconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()
	self.mu.Lock()
	defer self.mu.Unlock()
	_, err := self.wpa(ctx, "disconnect")
	return errors.Annotate(err, "wifi disconnect")
}

// Status maps wpa_state to link state.
// COMPLETED without IPv4 address is still Connecting.
func (self *Linux) Status() device.LinkState {
	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()
	self.mu.Lock()
	out, err := self.wpaRaw(ctx, "status")
	self.mu.Unlock()
	if err != nil {
		self.log.Debugf("wifi status err=%v", err)
		return device.LinkDisconnected
	}
	st := parseStatus(out)
	switch st["wpa_state"] {
	case "COMPLETED":
		if st["ip_address"] != "" || self.hasAddr() {
			return device.LinkConnected
		}
		return device.LinkConnecting
	case "SCANNING", "AUTHENTICATING", "ASSOCIATING", "ASSOCIATED", "4WAY_HANDSHAKE", "GROUP_HANDSHAKE":
		return device.LinkConnecting
	}
	return device.LinkDisconnected
}

// RSSI reads signal level in dBm from procfs wireless table.
func (self *Linux) RSSI() (int, error) {
	f, err := os.Open(self.procPath)
	if err != nil {
		return 0, errors.Annotate(err, "wifi rssi")
	}
	defer f.Close()
	return parseWireless(f, self.iface)
}

func (self *Linux) SetHostname(hostname string) error {
	if hostname == "" {
		return nil
	}
	err := self.sethostname([]byte(hostname))
	return errors.Annotatef(err, "wifi sethostname=%s", hostname)
}

func (self *Linux) hasAddr() bool {
	iface, err := net.InterfaceByName(self.iface)
	if err != nil {
		return false
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil && ipn.IP.IsGlobalUnicast() {
			return true
		}
	}
	return false
}

func (self *Linux) wpaRaw(ctx context.Context, args ...string) ([]byte, error) {
	out, err := self.run(ctx, "wpa_cli", append([]string{"-i", self.iface}, args...)...)
	if err != nil {
		return nil, errors.Annotatef(err, "wpa_cli %s", strings.Join(args, " "))
	}
	return out, nil
}

// wpa runs command which answers OK or FAIL.
func (self *Linux) wpa(ctx context.Context, args ...string) ([]byte, error) {
	out, err := self.wpaRaw(ctx, args...)
	if err != nil {
		return nil, err
	}
	if reply := strings.TrimSpace(string(out)); reply != "OK" {
		return out, errors.Errorf("wpa_cli %s reply=%q", args[0], reply)
	}
	return out, nil
}

func parseStatus(b []byte) map[string]string {
	m := make(map[string]string)
	s := bufio.NewScanner(bytes.NewReader(b))
	for s.Scan() {
		if kv := strings.SplitN(s.Text(), "=", 2); len(kv) == 2 {
			m[kv[0]] = strings.TrimSpace(kv[1])
		}
	}
	return m
}
