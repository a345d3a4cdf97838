package wifi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/attdev/device"
	"github.com/temoto/attdev/log2"
)

const testWireless = `Inter-| sta-|   Quality        |   Discarded packets               | Missed | WE
 face | tus | link level noise |  nwid  crypt   frag  retry   misc | beacon | 22
 wlan0: 0000   54.  -56.  -256        0      0      0      0      0        0
  wlp2s0: 0000   70.  200.  -256        0      0      0      0      0        0
`

// 802.11i test vector: passphrase "password", ssid "IEEE"
const testPSK = "f42c6fc52df0ebef9ebb4b90b38a5f902e83fe1b135a70e23aed762e9710a12e"

// fakeCli answers wpa_cli commands from reply table keyed by subcommand.
type fakeCli struct {
	sync.Mutex
	reply map[string]string
	fail  map[string]error
	calls []string
}

func newFakeCli() *fakeCli {
	return &fakeCli{
		reply: map[string]string{"add_network": "3\n", "status": "wpa_state=DISCONNECTED\n"},
		fail:  map[string]error{},
	}
}

func (self *fakeCli) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	self.Lock()
	defer self.Unlock()
	if name != "wpa_cli" || len(args) < 3 || args[0] != "-i" {
		return nil, fmt.Errorf("unexpected command %s %v", name, args)
	}
	self.calls = append(self.calls, strings.Join(args[2:], " "))
	sub := args[2]
	if err := self.fail[sub]; err != nil {
		return nil, err
	}
	if r, ok := self.reply[sub]; ok {
		return []byte(r), nil
	}
	return []byte("OK\n"), nil
}

func (self *fakeCli) set(sub, reply string) {
	self.Lock()
	self.reply[sub] = reply
	self.Unlock()
}

func (self *fakeCli) Calls() []string {
	self.Lock()
	defer self.Unlock()
	return append([]string(nil), self.calls...)
}

func TestBegin(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		ssid     string
		password string
		prepare  func(*fakeCli)
		expect   []string
		check    func(testing.TB, error)
	}{
		{"psk", "IEEE", "password", nil, []string{
			"remove_network all",
			"add_network",
			"set_network 3 ssid 49454545",
			"set_network 3 psk " + testPSK,
			"enable_network 3",
			"select_network 3",
		}, nil},
		{"short-passphrase", "home", "secret", nil, nil, func(t testing.TB, err error) {
			assert.True(t, errors.IsNotValid(err))
		}},
		{"open", "cafe", "", nil, []string{
			"remove_network all",
			"add_network",
			"set_network 3 ssid 63616665",
			"set_network 3 key_mgmt NONE",
			"enable_network 3",
			"select_network 3",
		}, nil},
		{"empty-ssid", "", "x", nil, nil, func(t testing.TB, err error) {
			assert.True(t, errors.IsNotValid(err))
		}},
		{"fail-reply", "IEEE", "password", func(c *fakeCli) { c.set("enable_network", "FAIL\n") }, []string{
			"remove_network all",
			"add_network",
			"set_network 3 ssid 49454545",
			"set_network 3 psk " + testPSK,
			"enable_network 3",
		}, func(t testing.TB, err error) {
			assert.Contains(t, err.Error(), `reply="FAIL"`)
		}},
		{"bad-id", "home", "", func(c *fakeCli) { c.set("add_network", "FAIL\n") }, []string{
			"remove_network all",
			"add_network",
		}, func(t testing.TB, err error) {
			assert.Contains(t, err.Error(), "add_network unexpected")
		}},
		{"exec-error", "home", "", func(c *fakeCli) { c.fail["remove_network"] = fmt.Errorf("no such file") }, []string{
			"remove_network all",
		}, func(t testing.TB, err error) {
			assert.Contains(t, err.Error(), "no such file")
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			cli := newFakeCli()
			if c.prepare != nil {
				c.prepare(cli)
			}
			w := New(log2.NewTest(t, log2.LDebug), "", WithRunner(cli.run))
			assert.Equal(t, DefaultInterface, w.Interface())
			err := w.Begin(context.Background(), c.ssid, c.password)
			if c.check == nil {
				require.NoError(t, err)
				assert.Equal(t, "3", w.Network())
			} else {
				require.Error(t, err)
				c.check(t, err)
				assert.Equal(t, "", w.Network())
			}
			assert.Equal(t, c.expect, cli.Calls())
		})
	}
}

func TestPSK(t *testing.T) {
	t.Parallel()

	raw := strings.Repeat("AB", 32)
	cases := []struct {
		name     string
		ssid     string
		password string
		expect   string
		valid    bool
	}{
		{"vector", "IEEE", "password", testPSK, true},
		{"raw-key", "home", raw, strings.ToLower(raw), true},
		{"short", "home", "1234567", "", false},
		{"long", "home", strings.Repeat("x", 64), "", false},
		{"quote", "home", `pa"ss' word`, "", true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			key, err := PSK(c.ssid, c.password)
			if !c.valid {
				assert.True(t, errors.IsNotValid(err), "err=%v", err)
				return
			}
			require.NoError(t, err)
			assert.Regexp(t, `^[0-9a-f]{64}$`, key)
			if c.expect != "" {
				assert.Equal(t, c.expect, key)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status string
		expect device.LinkState
	}{
		{"wpa_state=COMPLETED\nssid=home\nip_address=192.168.1.20\n", device.LinkConnected},
		{"wpa_state=SCANNING\n", device.LinkConnecting},
		{"wpa_state=ASSOCIATING\n", device.LinkConnecting},
		{"wpa_state=4WAY_HANDSHAKE\n", device.LinkConnecting},
		{"wpa_state=DISCONNECTED\n", device.LinkDisconnected},
		{"wpa_state=INACTIVE\n", device.LinkDisconnected},
		{"garbage", device.LinkDisconnected},
	}
	for _, c := range cases {
		c := c
		t.Run(c.status, func(t *testing.T) {
			t.Parallel()
			cli := newFakeCli()
			cli.set("status", c.status)
			// interface name that cannot exist keeps address lookup negative
			w := New(log2.NewTest(t, log2.LDebug), "attdev-test0", WithRunner(cli.run))
			assert.Equal(t, c.expect, w.Status())
		})
	}
}

func TestStatusCompletedNoAddress(t *testing.T) {
	t.Parallel()

	cli := newFakeCli()
	cli.set("status", "wpa_state=COMPLETED\n")
	w := New(log2.NewTest(t, log2.LDebug), "attdev-test0", WithRunner(cli.run))
	assert.Equal(t, device.LinkConnecting, w.Status())

	cli.fail["status"] = fmt.Errorf("wpa_supplicant not running")
	assert.Equal(t, device.LinkDisconnected, w.Status())
}

func TestDisconnect(t *testing.T) {
	t.Parallel()

	cli := newFakeCli()
	w := New(log2.NewTest(t, log2.LDebug), "wlan1", WithRunner(cli.run))
	require.NoError(t, w.Disconnect())
	assert.Equal(t, []string{"disconnect"}, cli.Calls())

	cli.set("disconnect", "FAIL\n")
	assert.Error(t, w.Disconnect())
}

func TestRSSI(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wireless")
	require.NoError(t, os.WriteFile(path, []byte(testWireless), 0o644))

	cases := []struct {
		iface  string
		expect int
		check  func(error) bool
	}{
		{"wlan0", -56, nil},
		{"wlp2s0", -56, nil},
		{"wlan9", 0, errors.IsNotFound},
	}
	for _, c := range cases {
		c := c
		t.Run(c.iface, func(t *testing.T) {
			t.Parallel()
			w := New(log2.NewTest(t, log2.LDebug), c.iface, WithProcPath(path))
			rssi, err := w.RSSI()
			if c.check != nil {
				require.Error(t, err)
				assert.True(t, c.check(err), err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, rssi)
		})
	}

	w := New(log2.NewTest(t, log2.LDebug), "wlan0", WithProcPath(filepath.Join(t.TempDir(), "missing")))
	_, err := w.RSSI()
	assert.Error(t, err)
}

func TestParseWirelessInvalid(t *testing.T) {
	t.Parallel()

	_, err := parseWireless(strings.NewReader(" wlan0: 0000 54.\n"), "wlan0")
	assert.True(t, errors.IsNotValid(err))
	_, err = parseWireless(strings.NewReader(" wlan0: 0000 54. abc -256\n"), "wlan0")
	assert.True(t, errors.IsNotValid(err))
}

func TestSetHostname(t *testing.T) {
	t.Parallel()

	var got string
	w := New(log2.NewTest(t, log2.LDebug), "", WithSethostname(func(b []byte) error {
		got = string(b)
		return nil
	}))
	require.NoError(t, w.SetHostname("attdev-kitchen"))
	assert.Equal(t, "attdev-kitchen", got)

	got = "unchanged"
	require.NoError(t, w.SetHostname(""))
	assert.Equal(t, "unchanged", got)

	w = New(log2.NewTest(t, log2.LDebug), "", WithSethostname(func([]byte) error { return fmt.Errorf("operation not permitted") }))
	assert.Error(t, w.SetHostname("x"))
}
