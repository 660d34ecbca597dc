package sqlctx

import (
	"fmt"
	"net"
)

// ResolveInterface returns the first usable address of the named interface,
// preferring IPv4.
func ResolveInterface(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidInterface, name, err)
	}
	if iface.Flags&net.FlagUp == 0 {
		return nil, fmt.Errorf("%w: %q is down", ErrInvalidInterface, name)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("%w: %q: list addresses: %v", ErrInvalidInterface, name, err)
	}

	var fallback net.IP
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4, nil
		}
		if fallback == nil {
			fallback = ipNet.IP
		}
	}
	if fallback == nil {
		return nil, fmt.Errorf("%w: %q has no addresses", ErrInvalidInterface, name)
	}
	return fallback, nil
}
