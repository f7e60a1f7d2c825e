package types

import (
	"encoding/binary"
	"net"
)

// HostInfo identifies the agent host to the control plane. Fields the host
// could not determine are left empty.
type HostInfo struct {
	InstanceID    string    `json:"instance_id" cbor:"instance_id"`
	Hostname      string    `json:"hostname,omitempty" cbor:"hostname,omitempty"`
	Architecture  string    `json:"architecture,omitempty" cbor:"architecture,omitempty"`
	OS            string    `json:"os,omitempty" cbor:"os,omitempty"`
	KernelVersion string    `json:"kernel_version,omitempty" cbor:"kernel_version,omitempty"`
	LocalIPv4     *uint32   `json:"local_ipv4_addr,omitempty" cbor:"local_ipv4_addr,omitempty"`
	LocalIPv6     *IPv6Addr `json:"local_ipv6_addr,omitempty" cbor:"local_ipv6_addr,omitempty"`
}

// HeartbeatPayload is sent on every heartbeat tick.
type HeartbeatPayload struct {
	InstanceID  string `json:"instance_id" cbor:"instance_id"`
	ActiveTasks int    `json:"active_tasks" cbor:"active_tasks"`
	SentAtMs    int64  `json:"sent_at_ms" cbor:"sent_at_ms"`
}

// IPv6Addr is a 128-bit address split into its high and low 64 bits, taken
// from the address in network byte order.
type IPv6Addr struct {
	Hi64 uint64 `json:"hi_64_bits" cbor:"hi_64_bits"`
	Lo64 uint64 `json:"lo_64_bits" cbor:"lo_64_bits"`
}

// EncodeIPv6 splits ip. It returns false when ip is not a 16-byte
// address.
func EncodeIPv6(ip net.IP) (IPv6Addr, bool) {
	if len(ip) != net.IPv6len {
		return IPv6Addr{}, false
	}
	return IPv6Addr{
		Hi64: binary.BigEndian.Uint64(ip[:8]),
		Lo64: binary.BigEndian.Uint64(ip[8:]),
	}, true
}

// IP reassembles the address.
func (a IPv6Addr) IP() net.IP {
	ip := make(net.IP, net.IPv6len)
	binary.BigEndian.PutUint64(ip[:8], a.Hi64)
	binary.BigEndian.PutUint64(ip[8:], a.Lo64)
	return ip
}

// EncodeIPv4 returns ip as a big-endian uint32. It returns false when ip is
// not an IPv4 address.
func EncodeIPv4(ip net.IP) (uint32, bool) {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(ip4), true
}

// DecodeIPv4 is the inverse of EncodeIPv4.
func DecodeIPv4(v uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}
