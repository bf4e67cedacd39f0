package config

import (
	"flag"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Call endpoint ICE socket settings. The hub itself never opens media
// sockets, so these are read by BindWebRTCNetworkFlags and not by Load.
const (
	envVarWebRTCUDPPortMin  = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax  = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP = "WEBRTC_UDP_LISTEN_IP"

	DefaultWebRTCUDPListenIP = "0.0.0.0"
)

// recommendedWebRTCUDPPortRangeSize keeps endpoints from starving themselves
// of ICE ports when several calls are negotiated back to back.
const recommendedWebRTCUDPPortRangeSize = 16

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// WebRTCNetwork is where a call endpoint binds its ICE UDP sockets.
type WebRTCNetwork struct {
	// UDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// OS ephemeral port selection.
	UDPPortRange *UDPPortRange
	UDPListenIP  net.IP
}

// BindWebRTCNetworkFlags registers -webrtc-udp-port-min, -webrtc-udp-port-max
// and -webrtc-udp-listen-ip on fs, defaulted from the environment via lookup.
// Call the returned func after fs.Parse to validate the values.
func BindWebRTCNetworkFlags(fs *flag.FlagSet, lookup func(string) (string, bool)) (func() (WebRTCNetwork, error), error) {
	var portMin, portMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		portMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		portMax = uint(p)
	}
	listenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)

	fs.UintVar(&portMin, "webrtc-udp-port-min", portMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&portMax, "webrtc-udp-port-max", portMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&listenIPStr, "webrtc-udp-listen-ip", listenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")

	return func() (WebRTCNetwork, error) {
		return parseWebRTCNetwork(portMin, portMax, listenIPStr)
	}, nil
}

// ParseWebRTCNetwork reads the ICE socket settings from the environment and
// args alone. Arguments other than the -webrtc-udp-* flags are rejected.
func ParseWebRTCNetwork(lookup func(string) (string, bool), args []string) (WebRTCNetwork, error) {
	fs := flag.NewFlagSet("webrtc-network", flag.ContinueOnError)
	finish, err := BindWebRTCNetworkFlags(fs, lookup)
	if err != nil {
		return WebRTCNetwork{}, err
	}
	if err := fs.Parse(args); err != nil {
		return WebRTCNetwork{}, err
	}
	if fs.NArg() > 0 {
		return WebRTCNetwork{}, fmt.Errorf("unexpected arguments %q", fs.Args())
	}
	return finish()
}

func parseWebRTCNetwork(portMin, portMax uint, listenIPStr string) (WebRTCNetwork, error) {
	var out WebRTCNetwork
	if portMin != 0 || portMax != 0 {
		if portMin == 0 || portMax == 0 {
			return WebRTCNetwork{}, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
		}
		min, err := parsePortUint(portMin)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("%s/--webrtc-udp-port-min: %w", envVarWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(portMax)
		if err != nil {
			return WebRTCNetwork{}, fmt.Errorf("%s/--webrtc-udp-port-max: %w", envVarWebRTCUDPPortMax, err)
		}
		if min > max {
			return WebRTCNetwork{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		if size := int(max) - int(min) + 1; size < recommendedWebRTCUDPPortRangeSize {
			return WebRTCNetwork{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		out.UDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	out.UDPListenIP = net.ParseIP(strings.TrimSpace(listenIPStr))
	if out.UDPListenIP == nil {
		return WebRTCNetwork{}, fmt.Errorf("invalid %s/--webrtc-udp-listen-ip %q", envVarWebRTCUDPListenIP, listenIPStr)
	}
	return out, nil
}

// IsUnspecifiedIP reports whether ip means "bind everywhere".
func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.IsUnspecified()
}

func parsePortString(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, err
	}
	return parsePortUint(uint(n))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}
