package device

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/attdev/helpers"
	"github.com/temoto/attdev/log2"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHostname       = "api.allthingstalk.io"
	DefaultClientIDPrefix = "attdev-"
	DefaultMaxActuations  = 32
	DefaultSignalAsset    = "wifi-signal"

	DefaultWiFiRetry      = 10 * time.Second
	DefaultBrokerRetry    = 1500 * time.Millisecond
	DefaultSignalInterval = 300 * time.Second
	DefaultNetworkTimeout = 30 * time.Second
	DefaultKeepalive      = 60 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond

	// Platform authenticates by token in username, password is not checked.
	BrokerPassword = "arbitrary"

	BrokerClientPaho   = "paho"
	BrokerClientGomqtt = "gomqtt"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include" yaml:"include"`

	DeviceID    string `hcl:"device_id" yaml:"device_id"`
	DeviceToken string `hcl:"device_token" yaml:"device_token"`
	// API and broker host
	Hostname       string `hcl:"hostname" yaml:"hostname"`
	BrokerURL      string `hcl:"broker_url" yaml:"broker_url"`
	BrokerClient   string `hcl:"broker_client" yaml:"broker_client"`
	ClientID       string `hcl:"client_id" yaml:"client_id"`
	ClientIDPrefix string `hcl:"client_id_prefix" yaml:"client_id_prefix"`

	WiFi struct {
		SSID      string `hcl:"ssid" yaml:"ssid"`
		Password  string `hcl:"password" yaml:"password"`
		Interface string `hcl:"interface" yaml:"interface"`
		Hostname  string `hcl:"hostname" yaml:"hostname"`
	} `hcl:"wifi" yaml:"wifi"`

	WiFiRetrySec  int `hcl:"wifi_retry_sec" yaml:"wifi_retry_sec"`
	BrokerRetryMs int `hcl:"broker_retry_ms" yaml:"broker_retry_ms"`
	// 0 keeps fixed retry delay
	RetryMaxSec int     `hcl:"retry_max_sec" yaml:"retry_max_sec"`
	RetryK      float64 `hcl:"retry_k" yaml:"retry_k"`

	SignalReporting   bool   `hcl:"signal_reporting" yaml:"signal_reporting"`
	SignalIntervalSec int    `hcl:"signal_interval_sec" yaml:"signal_interval_sec"`
	SignalAsset       string `hcl:"signal_asset" yaml:"signal_asset"`

	MaxActuations     int `hcl:"max_actuations" yaml:"max_actuations"`
	NetworkTimeoutSec int `hcl:"network_timeout_sec" yaml:"network_timeout_sec"`
	KeepaliveSec      int `hcl:"keepalive_sec" yaml:"keepalive_sec"`

	OutboxPath string `hcl:"outbox_path" yaml:"outbox_path"`
	// directory for client id and boot counter, empty disables
	StatePath string `hcl:"state_path" yaml:"state_path"`

	Assets []AssetConfig `hcl:"asset" yaml:"assets"`

	LogDebug     bool `hcl:"log_debug" yaml:"log_debug"`
	MqttLogDebug bool `hcl:"mqtt_log_debug" yaml:"mqtt_log_debug"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key" yaml:"name"`
	Optional bool   `hcl:"optional" yaml:"optional"`
}

type AssetConfig struct {
	Name     string `hcl:"name,key" yaml:"name"`
	Title    string `hcl:"title" yaml:"title"`
	Kind     string `hcl:"kind" yaml:"kind"`
	DataType string `hcl:"type" yaml:"type"`
}

func (c *Config) WiFiRetry() time.Duration {
	return helpers.IntSecondDefault(c.WiFiRetrySec, DefaultWiFiRetry)
}
func (c *Config) BrokerRetry() time.Duration {
	return helpers.IntMillisecondDefault(c.BrokerRetryMs, DefaultBrokerRetry)
}
func (c *Config) RetryMax() time.Duration { return helpers.IntSecondDefault(c.RetryMaxSec, 0) }
func (c *Config) SignalInterval() time.Duration {
	return helpers.IntSecondDefault(c.SignalIntervalSec, DefaultSignalInterval)
}
func (c *Config) NetworkTimeout() time.Duration {
	return helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
}
func (c *Config) Keepalive() time.Duration {
	return helpers.IntSecondDefault(c.KeepaliveSec, DefaultKeepalive)
}

func (c *Config) backoff(min time.Duration) helpers.Backoff {
	b := helpers.Backoff{Min: min, K: 1}
	if c.RetryMaxSec > 0 {
		b.Max = c.RetryMax()
		b.K = float32(c.RetryK)
		if b.K <= 1 {
			b.K = 2
		}
	}
	return b
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Hostname == "" {
		c.Hostname = DefaultHostname
	}
	if c.BrokerURL == "" {
		c.BrokerURL = fmt.Sprintf("tcp://%s:1883", c.Hostname)
	}
	if c.BrokerClient == "" {
		c.BrokerClient = BrokerClientPaho
	}
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = DefaultClientIDPrefix
	}
	if c.MaxActuations == 0 {
		c.MaxActuations = DefaultMaxActuations
	}
	if c.SignalAsset == "" {
		c.SignalAsset = DefaultSignalAsset
	}
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.DeviceID == "" {
		errs = append(errs, errors.NotValidf("config device_id empty"))
	} else if strings.ContainsAny(c.DeviceID, "/+#") {
		errs = append(errs, errors.NotValidf("config device_id=%s contains topic wildcard or separator", c.DeviceID))
	}
	if c.DeviceToken == "" {
		errs = append(errs, errors.NotValidf("config device_token empty"))
	}
	switch c.BrokerClient {
	case "", BrokerClientPaho, BrokerClientGomqtt:
	default:
		errs = append(errs, errors.NotValidf("config broker_client=%s (expected paho|gomqtt)", c.BrokerClient))
	}
	if c.MaxActuations < 0 {
		errs = append(errs, errors.NotValidf("config max_actuations=%d", c.MaxActuations))
	}
	if c.RetryK < 0 {
		errs = append(errs, errors.NotValidf("config retry_k=%v", c.RetryK))
	}
	for _, a := range c.Assets {
		if err := a.Asset().Validate(); err != nil {
			errs = append(errs, errors.Annotate(err, "config asset"))
		}
	}
	return helpers.FoldErrors(errs)
}

// MakeClientID returns configured client_id or prefix with random suffix.
// Two sessions with same id on one broker drop each other.
func (c *Config) MakeClientID() string {
	if c.ClientID != "" {
		return c.ClientID
	}
	id := strings.Replace(uuid.New().String(), "-", "", -1)
	return c.ClientIDPrefix + id[:12]
}

func (c *Config) MaskedCredentials() string {
	return fmt.Sprintf("hostname=%s device_id=%s device_token=%s",
		c.Hostname, helpers.MaskSecret(c.DeviceID, 3, 3), helpers.MaskSecret(c.DeviceToken, 6, 3))
}

func isYaml(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.AlreadyExistsf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if isYaml(source.Name) {
		err = yaml.Unmarshal(bs, c)
	} else {
		err = hcl.Unmarshal(bs, c)
	}
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s", source.Name)
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if dir != "" {
			osfs.SetBase(dir)
			names[0] = name
		}
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	c.ApplyDefaults()
	if len(errs) == 0 {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
