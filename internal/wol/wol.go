// Package wol sends Wake-on-LAN magic packets and probes host reachability.
package wol

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"strconv"
	"strings"
	"time"

	mdwol "github.com/mdlayher/wol"
)

const (
	DefaultPort    = 9
	limitBroadcast = "255.255.255.255"
)

var ErrInvalidMAC = errors.New("invalid mac address")

// NormalizeMAC accepts colon, dash, dot or unseparated forms and returns
// the upper-case XX:XX:XX:XX:XX:XX form.
func NormalizeMAC(mac string) (string, error) {
	clean := strings.NewReplacer(":", "", "-", "", ".", "").Replace(strings.ToUpper(strings.TrimSpace(mac)))
	if len(clean) != 12 {
		return "", fmt.Errorf("%w: %q has wrong length", ErrInvalidMAC, mac)
	}
	if _, err := hex.DecodeString(clean); err != nil {
		return "", fmt.Errorf("%w: %q has invalid characters", ErrInvalidMAC, mac)
	}
	parts := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, clean[i:i+2])
	}
	return strings.Join(parts, ":"), nil
}

// MagicPacket returns six 0xFF bytes followed by sixteen copies of the MAC.
func MagicPacket(mac string) ([]byte, error) {
	norm, err := NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}
	hw, err := net.ParseMAC(norm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMAC, err)
	}
	p := &mdwol.MagicPacket{Target: hw}
	return p.MarshalBinary()
}

// BroadcastAddress derives the directed broadcast address for an IPv4
// address or CIDR. A bare address is treated as a /24. An empty input
// gives the limited broadcast address.
func BroadcastAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return limitBroadcast, nil
	}
	if !strings.Contains(addr, "/") {
		addr += "/24"
	}
	prefix, err := netip.ParsePrefix(addr)
	if err != nil {
		return "", fmt.Errorf("parse address %q: %w", addr, err)
	}
	if !prefix.Addr().Is4() {
		return "", fmt.Errorf("address %q is not IPv4", addr)
	}
	ip := prefix.Masked().Addr().As4()
	bits := prefix.Bits()
	for i := range 4 {
		hostBits := bits - i*8
		switch {
		case hostBits <= 0:
			ip[i] = 0xFF
		case hostBits < 8:
			ip[i] |= byte(0xFF >> hostBits)
		}
	}
	return netip.AddrFrom4(ip).String(), nil
}

// Waker sends magic packets over UDP.
type Waker struct {
	Port int
	// dial is replaced in tests.
	dial func(ctx context.Context, network, address string) (net.Conn, error)
}

func NewWaker(port int) *Waker {
	if port <= 0 {
		port = DefaultPort
	}
	d := &net.Dialer{Timeout: 3 * time.Second}
	return &Waker{Port: port, dial: d.DialContext}
}

// Wake sends a magic packet for mac to the broadcast address derived from
// target and returns that address.
func (w *Waker) Wake(ctx context.Context, mac, target string) (string, error) {
	packet, err := MagicPacket(mac)
	if err != nil {
		return "", err
	}
	bcast, err := BroadcastAddress(target)
	if err != nil {
		return "", err
	}
	conn, err := w.dial(ctx, "udp4", net.JoinHostPort(bcast, strconv.Itoa(w.Port)))
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", bcast, err)
	}
	defer conn.Close()
	if _, err := conn.Write(packet); err != nil {
		return "", fmt.Errorf("send magic packet: %w", err)
	}
	return bcast, nil
}

// Ping reports whether host answers a single ICMP echo within timeout.
func Ping(ctx context.Context, host string, timeout time.Duration) bool {
	host = strings.TrimSpace(host)
	if host == "" || strings.HasPrefix(host, "-") {
		return false
	}
	secs := max(int(timeout/time.Second), 1)
	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "ping", "-c", "1", "-W", strconv.Itoa(secs), host).Run() == nil
}
