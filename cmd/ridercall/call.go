package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"ridercomm/internal/core/domain"
	"ridercomm/internal/core/ports"
	"ridercomm/internal/core/services"
	"ridercomm/internal/infrastructure/media"
	"ridercomm/internal/infrastructure/signal"
	webrtcinfra "ridercomm/internal/infrastructure/webrtc"
	"ridercomm/pkg/config"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"
)

// callControls is the part of the engine the keyboard drives.
type callControls interface {
	ToggleMute() bool
	ToggleSpeaker() bool
	Links() []*services.PeerLink
}

type remoteSink interface {
	Consume(stream ports.RemoteStream) (string, error)
}

// callSession renders engine notifications and applies rider commands.
type callSession struct {
	controls callControls
	sink     remoteSink
	quality  *services.QualityService
	out      io.Writer
	log      *zap.SugaredLogger
	wg       sync.WaitGroup
}

func newCallSession(controls callControls, sink remoteSink, out io.Writer, log *zap.SugaredLogger) *callSession {
	return &callSession{
		controls: controls,
		sink:     sink,
		quality:  services.NewQualityService(),
		out:      out,
		log:      log,
	}
}

func runCall(ctx context.Context, role domain.Role, room domain.RoomID) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	defer log.Sync()

	engine, err := buildEngine(cfg, log)
	if err != nil {
		return err
	}
	sink := media.NewSink(flagRecord, engine.SpeakerOn, log)
	session := newCallSession(engine, sink, os.Stdout, log)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := ossignal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(session.out, "Connecting to %s ...\n", cfg.Client.ServerURL)
	start := engine.JoinSession
	if role == domain.RoleHost {
		start = engine.StartHosting
	}
	if err := start(ctx, room); err != nil {
		return err
	}
	defer func() {
		engine.Cleanup()
		session.wait()
	}()

	if role == domain.RoleHost {
		fmt.Fprintf(session.out, "\nHosting room %s\nRiders join with: ridercall join %s --server <this address>\n", room, room)
	}
	fmt.Fprintln(session.out, "Commands: m = mute, s = speaker, p = peers, q = quit")

	commands := make(chan string)
	go readLines(os.Stdin, commands)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(session.out, "\nLeaving call")
			return nil
		case line, ok := <-commands:
			if !ok || session.handleCommand(line) {
				fmt.Fprintln(session.out, "Leaving call")
				return nil
			}
		case n := <-engine.Notifications():
			if err := session.handleNotification(n); err != nil {
				return err
			}
		}
	}
}

func buildEngine(cfg *config.Config, log *zap.SugaredLogger) (*services.NegotiationEngine, error) {
	transports, err := webrtcinfra.NewTransportFactory(webrtcinfra.FromConfig(cfg), log)
	if err != nil {
		return nil, err
	}

	var source ports.MediaSource = media.NoCaptureSource{}
	if flagMic != "" {
		source = media.NewFileSource(flagMic, flagLoop, log)
	}

	clientCfg := signal.DefaultClientConfig(cfg.Client.ServerURL)
	clientCfg.ReconnectAttempts = cfg.Client.ReconnectAttempts
	clientCfg.ReconnectDelay = cfg.Client.ReconnectDelay

	return services.NewNegotiationEngine(
		services.EngineConfig{
			ConnectTimeout:     cfg.Client.ConnectTimeout,
			NotificationBuffer: cfg.Client.NotificationQueue,
		},
		func() ports.SignalChannel { return signal.NewClient(clientCfg, log) },
		transports,
		source,
		log,
	), nil
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// handleCommand applies one typed command and reports whether to quit.
func (s *callSession) handleCommand(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
		return false
	case "m", "mute":
		if s.controls.ToggleMute() {
			fmt.Fprintln(s.out, "Microphone muted")
		} else {
			fmt.Fprintln(s.out, "Microphone live")
		}
	case "s", "speaker":
		if s.controls.ToggleSpeaker() {
			fmt.Fprintln(s.out, "Speaker on")
		} else {
			fmt.Fprintln(s.out, "Speaker off")
		}
	case "p", "peers":
		s.renderPeers()
	case "q", "quit", "exit":
		return true
	default:
		fmt.Fprintln(s.out, "Commands: m = mute, s = speaker, p = peers, q = quit")
	}
	return false
}

// handleNotification prints one engine event. It returns an error only when
// the relay connection is gone for good.
func (s *callSession) handleNotification(n ports.Notification) error {
	switch n.Kind {
	case ports.NotifyRoomJoined:
		fmt.Fprintf(s.out, "Joined room %s as %s\n", n.RoomID, n.Role)
	case ports.NotifyLocalStreamReady:
		fmt.Fprintln(s.out, "Microphone ready")
	case ports.NotifyRemoteStreamReady:
		fmt.Fprintf(s.out, "Receiving audio from %s\n", n.RemoteID)
		s.consume(n.RemoteStream)
	case ports.NotifyPeerStateChanged:
		fmt.Fprintf(s.out, "Rider %s: %s\n", n.RemoteID, n.LinkState)
	case ports.NotifyPeerLeft:
		s.quality.Forget(n.RemoteID)
		fmt.Fprintf(s.out, "Rider %s left\n", n.RemoteID)
	case ports.NotifySignalingStateChanged:
		fmt.Fprintf(s.out, "Relay connection %s\n", n.SignalingState)
		if n.SignalingState == domain.SignalingFailed {
			if n.Err != nil {
				return n.Err
			}
			return fmt.Errorf("relay connection failed")
		}
	case ports.NotifyWarning:
		if n.Err != nil {
			fmt.Fprintf(s.out, "Warning: %s (%v)\n", n.Message, n.Err)
		} else {
			fmt.Fprintf(s.out, "Warning: %s\n", n.Message)
		}
	case ports.NotifyServerError:
		fmt.Fprintf(s.out, "Relay error: %s\n", n.Message)
	case ports.NotifyLinkStats:
		s.log.Debugw("Link stats",
			"remote_id", n.Stats.RemoteID,
			"fraction_lost", n.Stats.FractionLost,
			"packets_lost", n.Stats.PacketsLost,
			"jitter", n.Stats.Jitter,
		)
		if grade, changed := s.quality.Observe(n.Stats); changed {
			fmt.Fprintf(s.out, "Link to %s is %s (%.0f%% loss, %s jitter)\n",
				n.Stats.RemoteID, grade, n.Stats.FractionLost*100, n.Stats.Jitter.Round(time.Millisecond))
		}
	}
	return nil
}

func (s *callSession) consume(stream ports.RemoteStream) {
	if stream == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		path, err := s.sink.Consume(stream)
		if err != nil {
			s.log.Warnw("Remote audio sink failed", "remote_id", stream.RemoteID(), "error", err)
			return
		}
		if path != "" {
			fmt.Fprintf(s.out, "Saved audio from %s to %s\n", stream.RemoteID(), path)
		}
	}()
}

func (s *callSession) wait() {
	s.wg.Wait()
}

func (s *callSession) renderPeers() {
	links := s.controls.Links()
	if len(links) == 0 {
		fmt.Fprintln(s.out, "No riders connected")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(s.out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Rider", "State", "Offered", "Tracks", "Link"})
	for _, link := range links {
		grade := "-"
		if g, ok := s.quality.Current(link.RemoteID()); ok {
			grade = string(g)
		}
		t.AppendRow(table.Row{link.RemoteID(), link.State(), link.Offerer(), link.AttachedTracks(), grade})
	}
	t.Render()
}
