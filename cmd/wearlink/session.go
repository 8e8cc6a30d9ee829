package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/wearlink/internal/audio"
	"github.com/chaz8081/wearlink/internal/ble"
	"github.com/chaz8081/wearlink/internal/bridge"
	"github.com/chaz8081/wearlink/internal/classic"
	"github.com/chaz8081/wearlink/internal/config"
	"github.com/chaz8081/wearlink/internal/coordinator"
	"github.com/chaz8081/wearlink/internal/hotkey"
	"github.com/chaz8081/wearlink/internal/inject"
	"github.com/chaz8081/wearlink/internal/store"
	"github.com/chaz8081/wearlink/internal/transport"
)

// session is one coordinator with both links built from the config.
type session struct {
	cfg     *config.Config
	ble     *ble.Client
	classic *classic.Client
	coord   *coordinator.Coordinator
	bluez   *classic.BlueZ

	// injector types received text into the focused window; nil leaves
	// it on stdout only.
	injector inject.TextInjector
}

func newSession(cfg *config.Config) *session {
	link := transport.Options{
		MaxRetry:       cfg.Link.MaxRetry,
		RetryInterval:  cfg.Link.RetryInterval,
		ConnectTimeout: cfg.Link.ConnectTimeout,
	}

	bleClient := ble.NewClient(ble.NewTinyGoAdapter(), ble.ClientOptions{
		ServiceUUID: cfg.BLE.ServiceUUID,
		WriteUUID:   cfg.BLE.WriteUUID,
		NotifyUUIDs: cfg.BLE.NotifyUUIDs,
		MTU:         cfg.BLE.MTU,
		TextCommand: byte(cfg.BLE.TextCommand),
		BacklogSize: cfg.BLE.BacklogSize,
		Link:        link,
	})

	var dialer classic.Dialer = classic.SocketDialer{}
	if cfg.Classic.Backend == "serial" {
		dialer = classic.SerialDialer{Port: cfg.Classic.SerialPort, BaudRate: cfg.Classic.BaudRate}
	}

	s := &session{cfg: cfg, ble: bleClient}
	var bonder classic.Bonder
	if cfg.Classic.Bonding {
		bz, err := classic.NewBlueZ(cfg.Classic.Adapter)
		if err != nil {
			slog.Warn("[MAIN] BlueZ unavailable, Classic bonding left to the OS", "error", err)
		} else {
			s.bluez = bz
			bonder = bz
		}
	}
	s.classic = classic.NewClient(dialer, bonder, classic.ClientOptions{Channel: cfg.Classic.Channel, Link: link})

	s.coord = coordinator.New(s.ble, s.classic, coordinator.Options{
		HeartbeatInterval: cfg.Link.HeartbeatInterval,
		StaggerGap:        cfg.Link.StaggerGap,
	})
	return s
}

func (s *session) Close() {
	s.coord.Close()
	s.ble.Close()
	s.classic.Close()
	if s.bluez != nil {
		s.bluez.Close()
	}
}

func scan(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	s := newSession(cfg)
	defer s.Close()

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()

	fmt.Printf("Scanning for %s...\n", c.Duration("timeout"))
	ids, err := s.coord.StartAsClient(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No accessories found")
		return nil
	}
	for _, id := range ids {
		fmt.Printf("  %s\n", id)
	}
	if len(ids) == 1 {
		if err := store.New(cfg.StorePath).Save(ids[0]); err != nil {
			return err
		}
		fmt.Printf("Saved %s as the default device\n", ids[0])
	}
	return nil
}

func run(c *cli.Context) error {
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	st := store.New(cfg.StorePath)
	dev, err := resolveDevice(c.String("device"), cfg, st)
	if err != nil {
		return err
	}

	s := newSession(cfg)
	defer s.Close()

	ctx, stop := signalContext()
	defer stop()

	ptt := cfg.Hotkey.Enabled || c.Bool("ptt")
	if ptt && c.Bool("mic") {
		return errors.New("--mic and push-to-talk both need the microphone, pick one")
	}
	var capture, mic *audio.Capture
	if ptt || c.Bool("mic") {
		capture, err = audio.NewCapture(cfg.Audio.SampleRate, cfg.Audio.Channels, time.Duration(cfg.Audio.ChunkMillis)*time.Millisecond)
		if err != nil {
			return err
		}
		defer capture.Close()
	}
	if c.Bool("mic") {
		mic = capture
	}
	if cfg.Inject.Enabled || c.Bool("type") {
		s.injector = inject.NewInjector(cfg.Inject.Method)
	}

	events, unsubscribe := s.coord.Subscribe()
	defer unsubscribe()
	if err := s.coord.Connect(dev); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.handleEvents(ctx, events, st, mic)
	})
	if ptt {
		listener := hotkey.NewListener(cfg.Hotkey.Keys, cfg.Hotkey.Mode)
		go listener.Run()
		g.Go(func() error {
			defer listener.Stop()
			return s.pushToTalk(ctx, listener.Events(), audio.NewRecorder(capture))
		})
	}
	if cfg.Bridge.Enabled || c.Bool("bridge") {
		hub := bridge.NewHub(s.coord, s.coord)
		g.Go(func() error {
			return hub.ListenAndServe(ctx, cfg.Bridge.Listen)
		})
	}

	slog.Info("[MAIN] running, Ctrl+C to quit", "device", dev)
	err = g.Wait()
	slog.Info("[MAIN] shutting down")
	return err
}

// handleEvents logs inbound traffic and types received text when injection
// is on. It also remembers the device once a link is up, saves voice blobs
// and runs the microphone while Classic is ready.
func (s *session) handleEvents(ctx context.Context, events <-chan transport.Event, st *store.Store, mic *audio.Capture) error {
	for {
		var e transport.Event
		var ok bool
		select {
		case <-ctx.Done():
			return nil
		case e, ok = <-events:
			if !ok {
				return nil
			}
		}

		switch e.Type {
		case transport.EventTextReceived:
			fmt.Println(e.Text)
			if s.injector != nil {
				if err := s.injector.Inject(e.Text); err != nil {
					slog.Warn("[MAIN] injecting text", "error", err)
				}
			}
		case transport.EventCommandReceived:
			slog.Info("[MAIN] command", "command", fmt.Sprintf("%#02x", e.Command), "tlvs", len(e.TLVs))
		case transport.EventVoiceBlobReceived:
			path, err := audio.SaveVoiceBlob(s.cfg.Audio.VoiceDir, e.Data, int(s.cfg.Audio.SampleRate), int(s.cfg.Audio.Channels))
			if err != nil {
				slog.Error("[MAIN] saving voice blob", "error", err)
				continue
			}
			slog.Info("[MAIN] voice blob saved", "path", path, "bytes", len(e.Data))
		case transport.EventAudioStreamChunk:
			slog.Debug("[MAIN] audio chunk", "bytes", len(e.Data))
		case transport.EventBondRequired:
			slog.Warn("[MAIN] accessory needs pairing, confirm it on the device", "device", e.Device)
		case transport.EventWriteFailed:
			slog.Warn("[MAIN] write failed", "link", e.Link, "error", e.Err)
		case transport.EventConnectionChanged:
			s.connectionChanged(e, st, mic)
		}
	}
}

func (s *session) connectionChanged(e transport.Event, st *store.Store, mic *audio.Capture) {
	switch {
	case e.Ready:
		slog.Info("[MAIN] link up", "link", e.Link, "device", e.Device)
		id := e.Device
		if id.Address == "" {
			id = s.coord.Device()
		}
		if err := st.Save(id); err != nil {
			slog.Warn("[MAIN] saving device", "error", err)
		}
	case e.Terminal:
		slog.Error("[MAIN] link gave up, run again to retry", "link", e.Link)
	default:
		slog.Warn("[MAIN] link down, reconnecting", "link", e.Link)
	}

	if mic == nil || e.Link != transport.KindClassic {
		return
	}
	if e.Ready {
		err := mic.Start(func(chunk []byte) {
			if err := s.coord.SendAudioRaw(chunk); err != nil {
				slog.Debug("[MAIN] dropping mic chunk", "error", err)
			}
		})
		if err != nil {
			slog.Error("[MAIN] starting microphone", "error", err)
		}
		return
	}
	mic.Stop()
}

// minVoice is the shortest recording sent as a voice message.
const minVoice = 300 * time.Millisecond

// pushToTalk records while the hotkey says so and sends each utterance as a
// voice message over Classic.
func (s *session) pushToTalk(ctx context.Context, keys <-chan hotkey.Event, rec *audio.Recorder) error {
	for {
		select {
		case <-ctx.Done():
			rec.Stop()
			return nil
		case ev, ok := <-keys:
			if !ok {
				return nil
			}
			switch ev.Type {
			case hotkey.EventStart:
				if err := rec.Start(); err != nil {
					slog.Error("[MAIN] starting voice recording", "error", err)
					continue
				}
				slog.Info("[MAIN] recording voice message")
			case hotkey.EventStop:
				pcm := rec.Stop()
				if pcm == nil {
					continue
				}
				d := audio.Duration(len(pcm), s.cfg.Audio.SampleRate, s.cfg.Audio.Channels)
				if d < minVoice {
					slog.Info("[MAIN] recording too short, skipping", "duration", d)
					continue
				}
				if err := s.coord.SendVoice(pcm); err != nil {
					slog.Warn("[MAIN] sending voice message", "error", err)
					continue
				}
				slog.Info("[MAIN] voice message sent", "duration", d.Round(10*time.Millisecond), "bytes", len(pcm))
			}
		}
	}
}

func send(c *cli.Context) error {
	text := strings.Join(c.Args(), " ")
	if text == "" {
		return errors.New("send: no text given")
	}
	cfg, err := setup(c)
	if err != nil {
		return err
	}
	st := store.New(cfg.StorePath)
	dev, err := resolveDevice(c.String("device"), cfg, st)
	if err != nil {
		return err
	}

	s := newSession(cfg)
	defer s.Close()

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()

	events, unsubscribe := s.coord.Subscribe()
	defer unsubscribe()
	if err := s.coord.Connect(dev); err != nil {
		return err
	}
	if err := waitReady(ctx, events, transport.KindBLE); err != nil {
		return err
	}
	if err := s.coord.Send(text); err != nil {
		return err
	}
	return waitDrained(ctx, s.ble)
}

// waitReady blocks until kind reports ready, gives up, or ctx ends.
func waitReady(ctx context.Context, events <-chan transport.Event, kind transport.Kind) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s link: %w", kind, ctx.Err())
		case e, ok := <-events:
			if !ok {
				return errors.New("coordinator closed")
			}
			if e.Type != transport.EventConnectionChanged || e.Link != kind {
				continue
			}
			if e.Ready {
				return nil
			}
			if e.Terminal {
				return fmt.Errorf("%s link: %w", kind, transport.ErrGivenUp)
			}
		}
	}
}

// drainer is the part of ble.Client waitDrained polls.
type drainer interface {
	Pending() int
	QueueLen() int
}

// waitDrained polls until every queued write has completed.
func waitDrained(ctx context.Context, d drainer) error {
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for d.Pending() > 0 || d.QueueLen() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for writes: %w", ctx.Err())
		case <-tick.C:
		}
	}
	return nil
}
