package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c-bata/go-prompt"

	"github.com/xbitsmaster/lwsip/pkg/account"
	"github.com/xbitsmaster/lwsip/pkg/ice"
	"github.com/xbitsmaster/lwsip/pkg/log"
	"github.com/xbitsmaster/lwsip/pkg/media"
	"github.com/xbitsmaster/lwsip/pkg/session"
	"github.com/xbitsmaster/lwsip/pkg/sip"
	"github.com/xbitsmaster/lwsip/pkg/stack"
	"github.com/xbitsmaster/lwsip/pkg/timing"
	"github.com/xbitsmaster/lwsip/pkg/transport"
	"github.com/xbitsmaster/lwsip/pkg/ua"
)

var logger = log.NewLogrusLogger(log.InfoLevel, "lwsip")

type options struct {
	server   string
	username string
	password string
	device   string
	call     string
}

func parseFlags() (*options, bool) {
	opts := &options{}
	showHelp := false

	flag.StringVar(&opts.server, "s", "", "SIP registrar (sip:host:port or host:port)")
	flag.StringVar(&opts.server, "server", "", "SIP registrar (sip:host:port or host:port)")
	flag.StringVar(&opts.username, "u", "", "account username")
	flag.StringVar(&opts.username, "username", "", "account username")
	flag.StringVar(&opts.password, "p", "", "account password")
	flag.StringVar(&opts.password, "password", "", "account password")
	flag.StringVar(&opts.device, "d", "", "audio source file (.wav, PCM16LE 8kHz mono)")
	flag.StringVar(&opts.device, "device", "", "audio source file (.wav, PCM16LE 8kHz mono)")
	flag.StringVar(&opts.call, "c", "", "call target username; UAS mode when absent")
	flag.StringVar(&opts.call, "call", "", "call target username; UAS mode when absent")
	flag.BoolVar(&showHelp, "h", false, "show help")
	flag.BoolVar(&showHelp, "help", false, "show help")
	flag.Parse()

	return opts, showHelp
}

// app holds the one account and at most one active call.
type app struct {
	opts    *options
	agent   *ua.UserAgent
	profile *account.Profile
	server  *sip.Uri

	mediaTimers *timing.Service
	sess        *session.Session
	mediaSess   *ice.MediaSession

	quit bool
}

func (a *app) newMediaSession(role ice.Role) (*ice.MediaSession, error) {
	ms, err := ice.NewMediaSession(ice.SessionConfig{}, a.mediaTimers, logger)
	if err != nil {
		return nil, err
	}
	ms.OnStateChanged(func(old, new ice.SessionState) {
		logger.Infof("media %s -> %s", old, new)
	})

	capture, err := a.openDevice()
	if err != nil {
		ms.Close()
		return nil, err
	}
	ms.RTP().SetDevices(capture, nil)

	if err := ms.GatherCandidates(role); err != nil {
		ms.Close()
		return nil, err
	}
	return ms, nil
}

func (a *app) openDevice() (media.Device, error) {
	if a.opts.device == "" {
		return media.NewSilenceSource(), nil
	}
	return media.OpenFileSource(a.opts.device)
}

func (a *app) placeCall(target string) {
	if a.sess != nil && !a.sess.IsEnded() {
		fmt.Println("a call is already active")
		return
	}
	ms, err := a.newMediaSession(ice.Controlling)
	if err != nil {
		logger.Errorf("media session: %v", err)
		return
	}

	targetURI := &sip.Uri{User: target, Host: a.server.Host, Port: a.server.Port}
	sess, err := a.agent.Invite(a.profile, targetURI, ms.LocalSDP())
	if err != nil {
		logger.Errorf("invite failed: %v", err)
		ms.Close()
		return
	}
	a.sess = sess
	a.mediaSess = ms
}

func (a *app) answerCall() {
	if a.sess == nil || a.sess.Direction() != session.Incoming ||
		a.sess.Status() != session.InviteReceived {
		fmt.Println("no incoming call to answer")
		return
	}
	ms, err := a.newMediaSession(ice.Controlled)
	if err != nil {
		logger.Errorf("media session: %v", err)
		a.sess.Reject(486, "Busy Here")
		return
	}
	a.mediaSess = ms
	a.sess.ProvideAnswer(ms.LocalSDP())
	if err := a.sess.Accept(200); err != nil {
		logger.Errorf("accept failed: %v", err)
	}
}

func (a *app) hangup() {
	if a.sess == nil {
		fmt.Println("no active call")
		return
	}
	if err := a.agent.Hangup(a.sess); err != nil {
		logger.Errorf("hangup failed: %v", err)
	}
}

func (a *app) releaseMedia() {
	if a.mediaSess != nil {
		a.mediaSess.Close()
		a.mediaSess = nil
	}
}

func (a *app) onInviteState(sess *session.Session, req *sip.Request, resp *sip.Response, status session.Status) {
	logger.Infof("call %s: %s", sess.Direction(), status)

	switch status {
	case session.InviteReceived:
		if from, ok := req.From(); ok {
			fmt.Printf("incoming call from %s; type 'answer' to accept\n", from.Address.Uri)
		}
		a.sess = sess
		if a.opts.call == "" && a.opts.device != "" {
			// UAS auto mode answers immediately.
			a.answerCall()
		}

	case session.Confirmed:
		if a.mediaSess != nil && sess.RemoteSdp() != "" {
			a.mediaSess.SetRemoteSDP(sess.RemoteSdp())
		}

	case session.Canceled, session.Failure, session.Terminated:
		if sess == a.sess {
			a.releaseMedia()
			a.sess = nil
		}
	}
}

func (a *app) loopOnce() {
	a.agent.Loop(20 * time.Millisecond)
	if a.mediaSess != nil {
		a.mediaSess.Loop(5 * time.Millisecond)
		a.mediaTimers.Fire()
		select {
		case <-a.mediaSess.OnSDPReady():
			// consumed via LocalSDP at call setup
		default:
		}
	}
}

func (a *app) handleCommand(cmd string) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "call":
		if len(fields) < 2 {
			fmt.Println("usage: call <username>")
			return
		}
		a.placeCall(fields[1])
	case "answer":
		a.answerCall()
	case "hangup":
		a.hangup()
	case "state":
		if a.sess == nil {
			fmt.Println("no call")
		} else {
			fmt.Printf("call: %s\n", a.sess.Status())
			if a.mediaSess != nil {
				fmt.Printf("media: %s\n", a.mediaSess.State())
			}
		}
	case "quit", "exit":
		a.quit = true
	default:
		fmt.Println("commands: call <user>, answer, hangup, state, quit")
	}
}

func completer(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "call", Description: "Place a call to a username"},
		{Text: "answer", Description: "Answer the pending incoming call"},
		{Text: "hangup", Description: "End the active call"},
		{Text: "state", Description: "Show call and media state"},
		{Text: "quit", Description: "Deregister and exit"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func consoleLoop(commands chan<- string) {
	for {
		t := prompt.Input("lwsip> ", completer,
			prompt.OptionTitle("lwsip"),
			prompt.OptionHistory([]string{"state", "call", "hangup"}),
			prompt.OptionPrefixTextColor(prompt.Yellow))
		commands <- t
		if t == "quit" || t == "exit" {
			return
		}
	}
}

func parseServer(raw string) (*sip.Uri, error) {
	if !strings.HasPrefix(raw, "sip:") && !strings.HasPrefix(raw, "sips:") {
		raw = "sip:" + raw
	}
	return sip.ParseUri(raw)
}

func main() {
	opts, showHelp := parseFlags()
	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if opts.server == "" || opts.username == "" || opts.password == "" {
		fmt.Fprintln(os.Stderr, "missing required flag: -s, -u and -p are required")
		flag.Usage()
		os.Exit(1)
	}

	server, err := parseServer(opts.server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad server uri %q: %v\n", opts.server, err)
		os.Exit(1)
	}

	sipStack, err := stack.NewSipStack(&stack.SipStackConfig{
		Transport: transport.Config{
			Type:       transport.TypeUDP,
			ListenAddr: "0.0.0.0:0",
		},
	}, nil, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stack init failed: %v\n", err)
		os.Exit(1)
	}

	agent := ua.NewUserAgent(&ua.UserAgentConfig{SipStack: sipStack}, logger)

	a := &app{
		opts:        opts,
		agent:       agent,
		server:      server,
		mediaTimers: timing.NewService(timing.SystemClock()),
	}

	a.profile = account.NewProfile(
		&sip.Uri{User: opts.username, Host: server.Host, Port: server.Port},
		opts.username,
		&account.AuthInfo{AuthUser: opts.username, Password: opts.password},
		3600,
	)

	agent.RegisterStateHandler = func(state account.RegisterState) {
		logger.Infof("registration: %s (%d)", state.State, state.StatusCode)
		if state.State == account.Registered && opts.call != "" && a.sess == nil {
			a.placeCall(opts.call)
		}
	}
	agent.InviteStateHandler = a.onInviteState

	if _, err := agent.SendRegister(a.profile, server.Clone(), a.profile.Expires); err != nil {
		fmt.Fprintf(os.Stderr, "register failed: %v\n", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	commands := make(chan string, 4)
	go consoleLoop(commands)

	for !a.quit {
		select {
		case sig := <-stop:
			logger.Infof("signal %v, shutting down", sig)
			a.quit = true
			continue
		case cmd := <-commands:
			a.handleCommand(cmd)
		default:
		}
		a.loopOnce()
	}

	a.releaseMedia()
	agent.Shutdown()
}
