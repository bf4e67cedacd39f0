// Command aero-chat-endpoint is a headless hub participant. It stays signed
// in, logs chat traffic, answers incoming calls with synthetic media and can
// place a call or send a message on startup. It is used for smoke testing a
// deployed hub and its ICE configuration.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/call"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/client"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/config"
	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/webrtcpeer"
)

const iceFetchTimeout = 5 * time.Second

type options struct {
	hubURL   string
	userID   string
	username string
	token    string

	callPeer  string
	audioOnly bool
	sendTo    string
	message   string
	hangup    time.Duration

	logFormat config.LogFormat
	logLevel  slog.Level

	network config.WebRTCNetwork
}

func parseFlags(args []string, lookup func(string) (string, bool)) (options, error) {
	var opts options
	var logFormat, logLevel string

	fs := flag.NewFlagSet("aero-chat-endpoint", flag.ContinueOnError)
	fs.StringVar(&opts.hubURL, "hub", "ws://127.0.0.1:8080/ws", "Hub WebSocket URL")
	fs.StringVar(&opts.userID, "user", "", "User id to sign in as (required)")
	fs.StringVar(&opts.username, "name", "", "Display name (defaults to -user)")
	token, _ := lookup("AERO_CHAT_TOKEN")
	fs.StringVar(&opts.token, "token", token, "Bearer token or API key (env AERO_CHAT_TOKEN)")
	fs.StringVar(&opts.callPeer, "call", "", "Place a call to this user id on startup")
	fs.BoolVar(&opts.audioOnly, "audio-only", false, "Place the call without video")
	fs.StringVar(&opts.sendTo, "send-to", "", "Send -message to this user id on startup")
	fs.StringVar(&opts.message, "message", "", "Message text for -send-to")
	fs.DurationVar(&opts.hangup, "hangup-after", 0, "End each call this long after it connects (0 = never)")
	fs.StringVar(&logFormat, "log-format", string(config.LogFormatText), "Log format: text or json")
	fs.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	finishNetwork, err := config.BindWebRTCNetworkFlags(fs, lookup)
	if err != nil {
		return options{}, err
	}
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.network, err = finishNetwork(); err != nil {
		return options{}, err
	}

	if opts.userID == "" {
		return options{}, errors.New("-user is required")
	}
	if opts.username == "" {
		opts.username = opts.userID
	}
	if (opts.sendTo == "") != (opts.message == "") {
		return options{}, errors.New("-send-to and -message must be set together")
	}
	switch config.LogFormat(logFormat) {
	case config.LogFormatText, config.LogFormatJSON:
		opts.logFormat = config.LogFormat(logFormat)
	default:
		return options{}, fmt.Errorf("invalid -log-format %q (expected text or json)", logFormat)
	}
	if err := opts.logLevel.UnmarshalText([]byte(logLevel)); err != nil {
		return options{}, fmt.Errorf("invalid -log-level %q: %w", logLevel, err)
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.LookupEnv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := config.NewLogger(config.Config{LogFormat: opts.logFormat, LogLevel: opts.logLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, opts, logger); err != nil {
		logger.Error("endpoint stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	api, err := webrtcpeer.NewAPI(opts.network, webrtcpeer.Options{LoggerFactory: call.NewSlogLoggerFactory(logger)})
	if err != nil {
		return err
	}
	iceServers, err := fetchICEServers(ctx, opts.hubURL, opts.token)
	if err != nil {
		// The hub may run without ICE servers; host candidates still work on a LAN.
		logger.Warn("could not fetch ICE servers; using host candidates only", "err", err)
	}

	c, err := client.Dial(ctx, client.Config{
		URL:       opts.hubURL,
		UserID:    opts.userID,
		Username:  opts.username,
		Token:     opts.token,
		Reconnect: true,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()
	logger.Info("signed in", "hub", opts.hubURL, "user_id", opts.userID)

	ep := newEndpoint(endpointConfig{
		Client:         c,
		API:            api,
		PeerConnection: webrtcpeer.Configuration(iceServers),
		Logger:         logger,
		HangupAfter:    opts.hangup,
	})
	defer ep.endActive()

	if opts.sendTo != "" {
		if err := c.SendMessage(ctx, opts.sendTo, opts.message, ""); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	if opts.callPeer != "" {
		if err := ep.Call(ctx, opts.callPeer, opts.audioOnly); err != nil {
			return fmt.Errorf("call %s: %w", opts.callPeer, err)
		}
	}

	return ep.Serve(ctx)
}

// iceServersURL maps the hub's /ws URL to its /webrtc/ice endpoint.
func iceServersURL(hubURL string) (string, error) {
	u, err := url.Parse(hubURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/ws") + "/webrtc/ice"
	u.RawQuery = ""
	return u.String(), nil
}

func fetchICEServers(ctx context.Context, hubURL, token string) ([]webrtc.ICEServer, error) {
	endpoint, err := iceServersURL(hubURL)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, iceFetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", endpoint, resp.Status)
	}
	var body struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode ice servers: %w", err)
	}
	return body.ICEServers, nil
}
