package network

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

// Error variables for libvirt network operations
var (
	ErrNetworkNameRequired = errors.New("network name is required")
	ErrConnNil             = errors.New("libvirt connection is nil")
	ErrDefineNetwork       = errors.New("failed to define libvirt network")
	ErrStartNetwork        = errors.New("failed to start libvirt network")
	ErrDestroyNetwork      = errors.New("failed to destroy libvirt network")
	ErrUndefineNetwork     = errors.New("failed to undefine libvirt network")
	ErrCheckNetwork        = errors.New("failed to check if network exists")
	ErrMarshalNetworkXML   = errors.New("failed to marshal network XML")
	ErrNetworkNotFound     = errors.New("libvirt network not found")
	ErrUpdateNetwork       = errors.New("failed to update libvirt network")
	ErrInvalidHost         = errors.New("invalid network host")
)

// Network modes.
const (
	ModeNAT      = "nat"
	ModeIsolated = "isolated"
	ModeBridge   = "bridge"
)

// LibvirtNetworkConfig contains libvirt network configuration
type LibvirtNetworkConfig struct {
	Name       string
	BridgeName string // Linux bridge to attach to, bridge mode only
	Mode       string // "nat" (default), "isolated" or "bridge"
	IPAddress  string // Host side address in nat/isolated mode (e.g., "192.168.56.1")
	Netmask    string // e.g., "255.255.255.0"
	// Hosts are static DHCP leases also published in the network's DNS.
	Hosts []Host
}

// Host is a static address reservation: the machine with MAC gets IP and
// Name resolves to IP through the network's DNS.
type Host struct {
	MAC  string
	Name string
	IP   string
}

func (h Host) validate() error {
	if h.MAC == "" || h.Name == "" || h.IP == "" {
		return fmt.Errorf("%w: mac, name and ip are required, got %+v", ErrInvalidHost, h)
	}
	return nil
}

// LibvirtNetworkManager manages libvirt virtual networks
type LibvirtNetworkManager struct {
	conn *libvirt.Connect
}

// NewLibvirtNetworkManager creates a new LibvirtNetworkManager
func NewLibvirtNetworkManager(conn *libvirt.Connect) *LibvirtNetworkManager {
	return &LibvirtNetworkManager{
		conn: conn,
	}
}

// LibvirtNetworkInfo contains information about a libvirt network
type LibvirtNetworkInfo struct {
	Name       string
	BridgeName string
	Mode       string
	IsActive   bool
	Autostart  bool
	// DHCPHosts and DNSHosts are read from the persistent definition.
	DHCPHosts []libvirtxml.NetworkDHCPHost
	DNSHosts  []libvirtxml.NetworkDNSHost
}

// HasHost returns true when both the DHCP lease and the DNS entry of h are
// present.
func (i *LibvirtNetworkInfo) HasHost(h Host) bool {
	return i.hasDHCPHost(h) && i.hasDNSHost(h)
}

func (i *LibvirtNetworkInfo) hasDHCPHost(h Host) bool {
	return slices.ContainsFunc(i.DHCPHosts, func(d libvirtxml.NetworkDHCPHost) bool {
		return d.MAC == h.MAC && d.IP == h.IP && d.Name == h.Name
	})
}

// staleDNSHosts returns the DNS entries other than h's that hold its address
// or its name. libvirt refuses to add h while any of them is present.
func (i *LibvirtNetworkInfo) staleDNSHosts(h Host) []libvirtxml.NetworkDNSHost {
	var stale []libvirtxml.NetworkDNSHost
	for _, d := range i.DNSHosts {
		hasName := slices.ContainsFunc(d.Hostnames, func(n libvirtxml.NetworkDNSHostHostname) bool {
			return n.Hostname == h.Name
		})
		// an entry with both is h's own
		if (d.IP == h.IP) != hasName {
			stale = append(stale, d)
		}
	}
	return stale
}

func (i *LibvirtNetworkInfo) hasDNSHost(h Host) bool {
	return slices.ContainsFunc(i.DNSHosts, func(d libvirtxml.NetworkDNSHost) bool {
		return d.IP == h.IP && slices.ContainsFunc(d.Hostnames, func(n libvirtxml.NetworkDNSHostHostname) bool {
			return n.Hostname == h.Name
		})
	})
}

// Create creates a new libvirt network with the given configuration
// Idempotent - if network exists, ensures it's active. Hosts are only
// applied to a new network; use AddHost on an existing one.
func (m *LibvirtNetworkManager) Create(ctx context.Context, config LibvirtNetworkConfig) error {
	if m.conn == nil {
		return ErrConnNil
	}
	if config.Name == "" {
		return ErrNetworkNameRequired
	}

	if config.Mode == "" {
		config.Mode = ModeNAT
	}

	// Check if network already exists
	info, err := m.Get(ctx, config.Name)
	if err != nil && !errors.Is(err, ErrNetworkNotFound) {
		return err
	}
	if info != nil {
		return m.ensureNetworkActive(config.Name)
	}

	networkXML, err := GenerateNetworkXML(config)
	if err != nil {
		return err
	}

	network, err := m.conn.NetworkDefineXML(networkXML)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDefineNetwork, err)
	}
	defer func() { _ = network.Free() }()

	if err := network.Create(); err != nil {
		// Try to undefine on failure
		_ = network.Undefine()
		return fmt.Errorf("%w: %w", ErrStartNetwork, err)
	}

	// Autostart is not critical.
	_ = network.SetAutostart(true)

	return nil
}

// ensureNetworkActive ensures a network is active (started)
func (m *LibvirtNetworkManager) ensureNetworkActive(name string) error {
	network, err := m.conn.LookupNetworkByName(name)
	if err != nil {
		return fmt.Errorf("failed to lookup network: %w", err)
	}
	defer func() { _ = network.Free() }()

	active, err := network.IsActive()
	if err != nil {
		return fmt.Errorf("failed to check network state: %w", err)
	}

	if !active {
		if err := network.Create(); err != nil {
			return fmt.Errorf("%w: %w", ErrStartNetwork, err)
		}
	}

	return nil
}

// Get retrieves information about a libvirt network
// Returns ErrNetworkNotFound if the network doesn't exist
func (m *LibvirtNetworkManager) Get(ctx context.Context, name string) (*LibvirtNetworkInfo, error) {
	if name == "" {
		return nil, ErrNetworkNameRequired
	}
	if m.conn == nil {
		return nil, ErrConnNil
	}

	network, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = network.Free() }()

	isActive, err := network.IsActive()
	if err != nil {
		return nil, fmt.Errorf("failed to check network state: %w", err)
	}

	autostart, err := network.GetAutostart()
	if err != nil {
		return nil, fmt.Errorf("failed to check autostart: %w", err)
	}

	xmlDesc, err := network.GetXMLDesc(libvirt.NETWORK_XML_INACTIVE)
	if err != nil {
		return nil, fmt.Errorf("failed to get network XML: %w", err)
	}

	return parseNetworkInfo(name, xmlDesc, isActive, autostart)
}

func parseNetworkInfo(name, xmlDesc string, isActive, autostart bool) (*LibvirtNetworkInfo, error) {
	var networkXML libvirtxml.Network
	if err := networkXML.Unmarshal(xmlDesc); err != nil {
		return nil, fmt.Errorf("failed to parse network XML: %w", err)
	}

	info := &LibvirtNetworkInfo{
		Name:      name,
		Mode:      ModeIsolated,
		IsActive:  isActive,
		Autostart: autostart,
	}

	if networkXML.Bridge != nil {
		info.BridgeName = networkXML.Bridge.Name
	}
	if networkXML.Forward != nil {
		info.Mode = networkXML.Forward.Mode
	}
	for _, ip := range networkXML.IPs {
		if ip.DHCP != nil {
			info.DHCPHosts = append(info.DHCPHosts, ip.DHCP.Hosts...)
		}
	}
	if networkXML.DNS != nil {
		info.DNSHosts = networkXML.DNS.Host
	}

	return info, nil
}

// AddHost adds the DHCP lease and the DNS entry of h to the network, both
// live and persistently. Parts already present are left untouched. A DHCP
// lease for the same MAC is replaced, and so are DNS entries for the same
// address or name.
func (m *LibvirtNetworkManager) AddHost(ctx context.Context, name string, h Host) error {
	if err := h.validate(); err != nil {
		return err
	}

	info, err := m.Get(ctx, name)
	if err != nil {
		return err
	}

	network, err := m.lookup(name)
	if err != nil {
		return err
	}
	defer func() { _ = network.Free() }()

	flags := updateFlags(info.IsActive)

	if !info.hasDHCPHost(h) {
		cmd := libvirt.NETWORK_UPDATE_COMMAND_ADD_LAST
		if slices.ContainsFunc(info.DHCPHosts, func(d libvirtxml.NetworkDHCPHost) bool { return d.MAC == h.MAC }) {
			cmd = libvirt.NETWORK_UPDATE_COMMAND_MODIFY
		}

		doc, err := dhcpHostXML(h)
		if err != nil {
			return err
		}
		if err := network.Update(cmd, libvirt.NETWORK_SECTION_IP_DHCP_HOST, -1, doc, flags); err != nil {
			return fmt.Errorf("%w: dhcp host %s: %w", ErrUpdateNetwork, h.MAC, err)
		}
	}

	if !info.hasDNSHost(h) {
		for _, stale := range info.staleDNSHosts(h) {
			doc, err := stale.Marshal()
			if err != nil {
				return fmt.Errorf("%w: %w", ErrMarshalNetworkXML, err)
			}
			err = network.Update(libvirt.NETWORK_UPDATE_COMMAND_DELETE, libvirt.NETWORK_SECTION_DNS_HOST, -1, doc, flags)
			if err != nil {
				return fmt.Errorf("%w: stale dns host %s: %w", ErrUpdateNetwork, stale.IP, err)
			}
		}

		doc, err := dnsHostXML(h)
		if err != nil {
			return err
		}
		err = network.Update(libvirt.NETWORK_UPDATE_COMMAND_ADD_LAST, libvirt.NETWORK_SECTION_DNS_HOST, -1, doc, flags)
		if err != nil {
			return fmt.Errorf("%w: dns host %s: %w", ErrUpdateNetwork, h.Name, err)
		}
	}

	return nil
}

// RemoveHost removes the DHCP lease and the DNS entry of h.
// Idempotent - returns nil if the network or the host doesn't exist.
func (m *LibvirtNetworkManager) RemoveHost(ctx context.Context, name string, h Host) error {
	info, err := m.Get(ctx, name)
	if errors.Is(err, ErrNetworkNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	network, err := m.lookup(name)
	if err != nil {
		return err
	}
	defer func() { _ = network.Free() }()

	flags := updateFlags(info.IsActive)

	if info.hasDHCPHost(h) {
		doc, err := dhcpHostXML(h)
		if err != nil {
			return err
		}
		err = network.Update(libvirt.NETWORK_UPDATE_COMMAND_DELETE, libvirt.NETWORK_SECTION_IP_DHCP_HOST, -1, doc, flags)
		if err != nil {
			return fmt.Errorf("%w: dhcp host %s: %w", ErrUpdateNetwork, h.MAC, err)
		}
	}

	if info.hasDNSHost(h) {
		doc, err := dnsHostXML(h)
		if err != nil {
			return err
		}
		err = network.Update(libvirt.NETWORK_UPDATE_COMMAND_DELETE, libvirt.NETWORK_SECTION_DNS_HOST, -1, doc, flags)
		if err != nil {
			return fmt.Errorf("%w: dns host %s: %w", ErrUpdateNetwork, h.Name, err)
		}
	}

	return nil
}

// Delete removes a libvirt network
// Idempotent - returns nil if network doesn't exist
func (m *LibvirtNetworkManager) Delete(ctx context.Context, name string) error {
	if name == "" {
		return ErrNetworkNameRequired
	}
	if m.conn == nil {
		return ErrConnNil
	}

	network, err := m.lookup(name)
	if errors.Is(err, ErrNetworkNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = network.Free() }()

	active, err := network.IsActive()
	if err != nil {
		return fmt.Errorf("failed to check network state: %w", err)
	}

	if active {
		if err := network.Destroy(); err != nil {
			return fmt.Errorf("%w: %w", ErrDestroyNetwork, err)
		}
	}

	if err := network.Undefine(); err != nil {
		return fmt.Errorf("%w: %w", ErrUndefineNetwork, err)
	}

	return nil
}

func (m *LibvirtNetworkManager) lookup(name string) (*libvirt.Network, error) {
	if m.conn == nil {
		return nil, ErrConnNil
	}

	network, err := m.conn.LookupNetworkByName(name)
	if err != nil {
		var libvirtErr libvirt.Error
		if errors.As(err, &libvirtErr) && libvirtErr.Code == libvirt.ERR_NO_NETWORK {
			return nil, ErrNetworkNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrCheckNetwork, err)
	}

	return network, nil
}

func updateFlags(active bool) libvirt.NetworkUpdateFlags {
	if active {
		return libvirt.NETWORK_UPDATE_AFFECT_LIVE | libvirt.NETWORK_UPDATE_AFFECT_CONFIG
	}
	return libvirt.NETWORK_UPDATE_AFFECT_CONFIG
}

func dhcpHostXML(h Host) (string, error) {
	doc, err := (&libvirtxml.NetworkDHCPHost{MAC: h.MAC, Name: h.Name, IP: h.IP}).Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMarshalNetworkXML, err)
	}
	return doc, nil
}

func dnsHostXML(h Host) (string, error) {
	doc, err := (&libvirtxml.NetworkDNSHost{
		IP:        h.IP,
		Hostnames: []libvirtxml.NetworkDNSHostHostname{{Hostname: h.Name}},
	}).Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMarshalNetworkXML, err)
	}
	return doc, nil
}

// GenerateNetworkXML creates libvirt network XML from config
func GenerateNetworkXML(config LibvirtNetworkConfig) (string, error) {
	network := &libvirtxml.Network{
		Name: config.Name,
	}

	switch config.Mode {
	case ModeBridge:
		if config.BridgeName == "" {
			return "", errors.New("bridge name required for bridge mode")
		}
		if len(config.Hosts) > 0 {
			return "", errors.New("static hosts are not supported in bridge mode")
		}
		network.Forward = &libvirtxml.NetworkForward{Mode: ModeBridge}
		network.Bridge = &libvirtxml.NetworkBridge{Name: config.BridgeName}

	case ModeNAT, ModeIsolated:
		if config.Mode == ModeNAT {
			network.Forward = &libvirtxml.NetworkForward{Mode: ModeNAT}
		}
		// Let libvirt pick the bridge name.
		network.Bridge = &libvirtxml.NetworkBridge{STP: "on"}

		ipAddr := config.IPAddress
		if ipAddr == "" {
			// Avoid the default network (192.168.122.0/24)
			ipAddr = "192.168.56.1"
		}
		netmask := config.Netmask
		if netmask == "" {
			netmask = "255.255.255.0"
		}

		ip := libvirtxml.NetworkIP{Address: ipAddr, Netmask: netmask}
		if len(config.Hosts) > 0 {
			ip.DHCP = &libvirtxml.NetworkDHCP{}
			network.DNS = &libvirtxml.NetworkDNS{}
			for _, h := range config.Hosts {
				if err := h.validate(); err != nil {
					return "", err
				}
				ip.DHCP.Hosts = append(ip.DHCP.Hosts, libvirtxml.NetworkDHCPHost{MAC: h.MAC, Name: h.Name, IP: h.IP})
				network.DNS.Host = append(network.DNS.Host, libvirtxml.NetworkDNSHost{
					IP:        h.IP,
					Hostnames: []libvirtxml.NetworkDNSHostHostname{{Hostname: h.Name}},
				})
			}
		}
		network.IPs = []libvirtxml.NetworkIP{ip}

	default:
		return "", fmt.Errorf("unsupported network mode: %s", config.Mode)
	}

	xml, err := network.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMarshalNetworkXML, err)
	}

	return xml, nil
}
