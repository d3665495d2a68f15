package netstack

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/robotalks/pop.go/pkg/retrieval"
)

// DefaultResolveTimeout bounds a single name lookup.
const DefaultResolveTimeout = 5 * time.Second

// Interface is the view of a network interface used for link status.
type Interface struct {
	Name  string
	Flags net.Flags
	Addrs []net.Addr
}

// Host implements retrieval.NetworkStack with the OS network stack.
type Host struct {
	// Interface selects the interface to watch, any non-loopback one
	// when empty.
	Interface string
	// Resolver is used for lookups, net.DefaultResolver when nil.
	Resolver *net.Resolver
	// ResolveTimeout bounds each lookup.
	ResolveTimeout time.Duration

	// ListInterfaces and LookupIPAddr default to the OS.
	ListInterfaces func() ([]Interface, error)
	LookupIPAddr   func(ctx context.Context, host string) ([]net.IPAddr, error)

	initOnce sync.Once
	initErr  error

	lock    sync.Mutex
	lookups map[string]*lookup
	ctx     context.Context
	cancel  context.CancelFunc
}

type lookup struct {
	doneCh chan struct{}
	cancel context.CancelFunc
	addrs  []net.IPAddr
	err    error
}

// New creates a Host watching the named interface.
func New(iface string) *Host {
	return &Host{Interface: iface, ResolveTimeout: DefaultResolveTimeout}
}

// Init implements retrieval.NetworkStack.
func (h *Host) Init() error {
	h.initOnce.Do(func() {
		if h.ListInterfaces == nil {
			h.ListInterfaces = osInterfaces
		}
		if h.LookupIPAddr == nil {
			resolver := h.Resolver
			if resolver == nil {
				resolver = net.DefaultResolver
			}
			h.LookupIPAddr = resolver.LookupIPAddr
		}
		if h.ResolveTimeout <= 0 {
			h.ResolveTimeout = DefaultResolveTimeout
		}
		h.lock.Lock()
		h.lookups = make(map[string]*lookup)
		h.ctx, h.cancel = context.WithCancel(context.Background())
		h.lock.Unlock()

		if h.Interface != "" {
			ifaces, err := h.ListInterfaces()
			if err != nil {
				h.initErr = fmt.Errorf("list interfaces: %w", err)
				return
			}
			for _, iface := range ifaces {
				if iface.Name == h.Interface {
					return
				}
			}
			h.initErr = fmt.Errorf("interface %q not found", h.Interface)
		}
	})
	return h.initErr
}

// LinkStatus implements retrieval.NetworkStack.
func (h *Host) LinkStatus() retrieval.LinkStatus {
	ifaces, err := h.ListInterfaces()
	if err != nil {
		glog.Warningf("list interfaces: %v", err)
		return retrieval.LinkDown
	}
	status := retrieval.LinkDown
	for _, iface := range ifaces {
		if h.Interface != "" && iface.Name != h.Interface {
			continue
		}
		if h.Interface == "" && iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if hasUnicast(iface.Addrs) {
			return retrieval.LinkUp
		}
		status = retrieval.LinkComingUp
	}
	return status
}

func hasUnicast(addrs []net.Addr) bool {
	for _, addr := range addrs {
		var ip net.IP
		switch a := addr.(type) {
		case *net.IPNet:
			ip = a.IP
		case *net.IPAddr:
			ip = a.IP
		}
		if ip != nil && ip.IsGlobalUnicast() {
			return true
		}
	}
	return false
}

// Resolve implements retrieval.NetworkStack. The first call for a name
// starts a background lookup and later calls poll it.
func (h *Host) Resolve(host string) (retrieval.Address, error) {
	if ip := net.ParseIP(host); ip != nil {
		return retrieval.Address{Host: host, IP: ip}, nil
	}

	h.lock.Lock()
	l := h.lookups[host]
	if l == nil {
		ctx, cancel := context.WithTimeout(h.ctx, h.ResolveTimeout)
		l = &lookup{doneCh: make(chan struct{}), cancel: cancel}
		h.lookups[host] = l
		h.lock.Unlock()
		glog.V(1).Infof("resolving %s", host)
		go h.doLookup(ctx, host, l)
		return retrieval.Address{Host: host}, retrieval.ErrResolvePending
	}
	select {
	case <-l.doneCh:
		delete(h.lookups, host)
		h.lock.Unlock()
	default:
		h.lock.Unlock()
		return retrieval.Address{Host: host}, retrieval.ErrResolvePending
	}

	if l.err != nil {
		return retrieval.Address{Host: host}, fmt.Errorf("resolve %s: %w", host, l.err)
	}
	ip := pickIP(l.addrs)
	if ip == nil {
		return retrieval.Address{Host: host}, fmt.Errorf("resolve %s: no address", host)
	}
	return retrieval.Address{Host: host, IP: ip}, nil
}

func (h *Host) doLookup(ctx context.Context, host string, l *lookup) {
	defer close(l.doneCh)
	defer l.cancel()
	l.addrs, l.err = h.LookupIPAddr(ctx, host)
}

// CancelResolve implements retrieval.ResolveCanceler. The lookup of host
// is aborted and its result never returned.
func (h *Host) CancelResolve(host string) {
	h.lock.Lock()
	l := h.lookups[host]
	delete(h.lookups, host)
	h.lock.Unlock()
	if l != nil {
		l.cancel()
		glog.V(1).Infof("resolving %s cancelled", host)
	}
}

// pickIP prefers IPv4 addresses.
func pickIP(addrs []net.IPAddr) net.IP {
	var ip net.IP
	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil {
			return v4
		}
		if ip == nil {
			ip = addr.IP
		}
	}
	return ip
}

// Close aborts lookups in flight.
func (h *Host) Close() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
	return nil
}

func osInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	result := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			glog.V(2).Infof("interface %s: %v", iface.Name, err)
		}
		result = append(result, Interface{Name: iface.Name, Flags: iface.Flags, Addrs: addrs})
	}
	return result, nil
}
