//go:build linux

package system

import (
	"fmt"
	"net"
	"sort"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// listInterfaces reads links and addresses over rtnetlink.
func listInterfaces() ([]NetworkInterface, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	out := make([]NetworkInterface, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		iface := NetworkInterface{
			Index:     attrs.Index,
			Name:      attrs.Name,
			MTU:       attrs.MTU,
			OperState: attrs.OperState.String(),
		}
		if len(attrs.HardwareAddr) > 0 {
			iface.MAC = attrs.HardwareAddr.String()
		}

		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			return nil, fmt.Errorf("list addresses of %s: %w", attrs.Name, err)
		}
		for _, addr := range addrs {
			if addr.IPNet != nil {
				iface.Addresses = append(iface.Addresses, addr.IP)
			}
		}
		out = append(out, iface)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// globalAddrs returns the universe-scoped addresses of every link.
func globalAddrs() ([]net.IP, error) {
	addrs, err := netlink.AddrList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}

	var out []net.IP
	for _, addr := range addrs {
		if addr.IPNet == nil || addr.Scope != unix.RT_SCOPE_UNIVERSE {
			continue
		}
		out = append(out, addr.IP)
	}
	return out, nil
}
