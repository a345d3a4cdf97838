// attdev keeps device online and publishes heartbeat telemetry.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/temoto/alive/v2"
	"github.com/temoto/attdev/device"
	"github.com/temoto/attdev/log2"
	"github.com/temoto/attdev/payload"
	"github.com/temoto/attdev/tele"
	"github.com/temoto/attdev/wifi"
)

const heartbeatInterval = time.Minute

func main() {
	flagConfig := flag.String("config", "attdev.hcl", "config file, .hcl or .yaml")
	flag.Parse()

	log := log2.NewStderr(log2.LInfo)
	if sdnotify("start") {
		// under systemd journal adds timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	}

	fs, err := device.NewOsFullReader(".")
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	config := device.MustReadConfig(log, fs, *flagConfig)
	if config.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	errs := &errorCounter{}
	// before Clone, paho logger errors are counted too
	log.SetErrorFunc(errs.add)
	mqttLevel := log2.Level(log2.LInfo)
	if config.MqttLogDebug {
		mqttLevel = log2.LDebug
	}
	tele.SetPahoLog(log.Clone(mqttLevel))

	var boots uint32
	if config.StatePath != "" {
		state, err := device.Boot(log, config)
		if err != nil {
			log.Errorf("state err=%v", err)
		}
		boots = state.Boots
		log.Infof("boot=%d client_id=%s", boots, config.ClientID)
	}

	broker, err := tele.NewBroker(config, log)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	link := wifi.New(log, config.WiFi.Interface)
	d, err := device.NewDevice(config, log, link, broker)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	if err := d.SetActuationCallback("log-level", device.StringCallback(func(s string) {
		switch s {
		case "debug":
			log.SetLevel(log2.LDebug)
		case "info":
			log.SetLevel(log2.LInfo)
		}
		log.Infof("log level=%s", s)
	})); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}

	a := alive.NewAlive()
	ctx, cancel := context.WithCancel(context.Background())
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigch:
			log.Infof("signal=%v stopping", sig)
		case <-a.StopChan():
		}
		sdnotify(daemon.SdNotifyStopping)
		a.Stop()
		cancel()
	}()

	if err := d.Connect(ctx); err != nil && errors.Cause(err) != context.Canceled {
		log.Fatal(errors.ErrorStack(err))
	}
	if a.IsRunning() {
		sdnotify(daemon.SdNotifyReady)
		log.Infof("connected device=%s", config.DeviceID)
	}

	start := time.Now()
	hb := payload.NewCborPayload(128)
	nextHeartbeat := start.Add(heartbeatInterval)
	stopCh := a.StopChan()
	for a.IsRunning() {
		if err := d.Loop(ctx); err != nil {
			log.Errorf("loop err=%v", err)
		}
		if now := time.Now(); !now.Before(nextHeartbeat) {
			nextHeartbeat = now.Add(heartbeatInterval)
			if err := heartbeat(ctx, d, hb, boots, errs.take(), now.Sub(start), now); err != nil {
				log.Errorf("heartbeat err=%v", err)
			}
		}
		select {
		case <-stopCh:
		case <-time.After(device.DefaultPollInterval):
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.NetworkTimeout())
	defer shutdownCancel()
	if err := d.Disconnect(shutdownCtx); err != nil {
		log.Errorf("disconnect err=%v", err)
	}
	if err := d.Close(); err != nil {
		log.Errorf("close err=%v", err)
	}
	a.Wait()
}

// errorCounter counts logged errors between heartbeats.
type errorCounter struct{ n uint32 }

func (self *errorCounter) add(error)    { atomic.AddUint32(&self.n, 1) }
func (self *errorCounter) take() uint32 { return atomic.SwapUint32(&self.n, 0) }

// heartbeat publishes uptime, boot count, error count and signal quality, outbox keeps them while offline.
func heartbeat(ctx context.Context, d *device.Device, p *payload.CborPayload, boots, errs uint32, uptime time.Duration, now time.Time) error {
	p.Reset()
	if err := p.Set("uptime", int(uptime/time.Second)); err != nil {
		return err
	}
	if err := p.Set("errors", errs); err != nil {
		return err
	}
	if boots != 0 {
		if err := p.Set("boots", boots); err != nil {
			return err
		}
	}
	if quality, err := d.WiFiSignal(); err == nil {
		if err := p.Set("wifi-signal", quality); err != nil {
			return err
		}
	}
	if err := p.SetTime(now); err != nil {
		return err
	}
	return d.SendPayload(ctx, p)
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log2.NewStderr(log2.LError).Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
