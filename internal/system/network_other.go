//go:build !linux

package system

import (
	"net"
	"sort"
)

func listInterfaces() ([]NetworkInterface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]NetworkInterface, 0, len(ifaces))
	for _, ifc := range ifaces {
		iface := NetworkInterface{
			Index:     ifc.Index,
			Name:      ifc.Name,
			MTU:       ifc.MTU,
			MAC:       ifc.HardwareAddr.String(),
			OperState: "unknown",
		}
		if ifc.Flags&net.FlagUp != 0 {
			iface.OperState = "up"
		}
		addrs, _ := ifc.Addrs()
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok {
				iface.Addresses = append(iface.Addresses, ipnet.IP)
			}
		}
		out = append(out, iface)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func globalAddrs() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []net.IP
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || !ipnet.IP.IsGlobalUnicast() {
			continue
		}
		out = append(out, ipnet.IP)
	}
	return out, nil
}
