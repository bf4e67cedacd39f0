// Package webrtcpeer builds the pion API used by call endpoints: default audio
// and video codecs, the default RTCP interceptors, and the endpoint's network
// settings from config.
package webrtcpeer

import (
	"fmt"
	"net"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/chat-signal-hub/internal/config"
)

type Options struct {
	// LoggerFactory routes pion's internal logging. Nil keeps pion's default.
	LoggerFactory logging.LoggerFactory
	// Net replaces the OS network stack, e.g. with a vnet.Net in tests.
	Net transport.Net
}

func NewAPI(network config.WebRTCNetwork, opts Options) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if opts.LoggerFactory != nil {
		se.LoggerFactory = opts.LoggerFactory
	}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	} else if err := ApplyNetworkSettings(&se, network); err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, network config.WebRTCNetwork) error {
	if network.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(network.UDPPortRange.Min, network.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	// SettingEngine doesn't expose a bind address; restrict candidate gathering
	// and socket binding via IPFilter instead.
	if !config.IsUnspecifiedIP(network.UDPListenIP) {
		listenIP := network.UDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}

// Configuration is the PeerConnection configuration for a call: the ICE
// servers handed out by the hub's /webrtc/ice endpoint.
func Configuration(iceServers []webrtc.ICEServer) webrtc.Configuration {
	return webrtc.Configuration{ICEServers: iceServers}
}
