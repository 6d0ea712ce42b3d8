//go:build unit

package network

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

func TestLibvirtNetworkManager_ValidationErrors(t *testing.T) {
	mgr := NewLibvirtNetworkManager(nil)
	ctx := context.Background()
	host := Host{MAC: "52:54:00:12:34:56", Name: "devvm.local", IP: "192.168.56.111"}

	tests := []struct {
		name        string
		call        func() error
		expectedErr error
	}{
		{
			name:        "create with nil connection",
			call:        func() error { return mgr.Create(ctx, LibvirtNetworkConfig{Name: "test"}) },
			expectedErr: ErrConnNil,
		},
		{
			name: "get with empty name",
			call: func() error {
				_, err := mgr.Get(ctx, "")
				return err
			},
			expectedErr: ErrNetworkNameRequired,
		},
		{
			name: "get with nil connection",
			call: func() error {
				_, err := mgr.Get(ctx, "test")
				return err
			},
			expectedErr: ErrConnNil,
		},
		{
			name:        "delete with empty name",
			call:        func() error { return mgr.Delete(ctx, "") },
			expectedErr: ErrNetworkNameRequired,
		},
		{
			name:        "delete with nil connection",
			call:        func() error { return mgr.Delete(ctx, "test") },
			expectedErr: ErrConnNil,
		},
		{
			name:        "add incomplete host",
			call:        func() error { return mgr.AddHost(ctx, "test", Host{MAC: host.MAC}) },
			expectedErr: ErrInvalidHost,
		},
		{
			name:        "add host with nil connection",
			call:        func() error { return mgr.AddHost(ctx, "test", host) },
			expectedErr: ErrConnNil,
		},
		{
			name:        "remove host with nil connection",
			call:        func() error { return mgr.RemoveHost(ctx, "test", host) },
			expectedErr: ErrConnNil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.call(), tt.expectedErr)
		})
	}
}

func TestGenerateNetworkXML(t *testing.T) {
	host := Host{MAC: "52:54:00:12:34:56", Name: "devvm.local", IP: "192.168.56.111"}

	t.Run("nat with hosts", func(t *testing.T) {
		doc, err := GenerateNetworkXML(LibvirtNetworkConfig{
			Name:  "devvm",
			Hosts: []Host{host},
		})
		require.NoError(t, err)

		var network libvirtxml.Network
		require.NoError(t, network.Unmarshal(doc))

		assert.Equal(t, "devvm", network.Name)
		require.NotNil(t, network.Forward)
		assert.Equal(t, ModeNAT, network.Forward.Mode)
		require.Len(t, network.IPs, 1)
		assert.Equal(t, "192.168.56.1", network.IPs[0].Address)
		assert.Equal(t, "255.255.255.0", network.IPs[0].Netmask)
		require.NotNil(t, network.IPs[0].DHCP)
		assert.Equal(t, []libvirtxml.NetworkDHCPHost{{MAC: host.MAC, Name: host.Name, IP: host.IP}}, network.IPs[0].DHCP.Hosts)
		require.NotNil(t, network.DNS)
		require.Len(t, network.DNS.Host, 1)
		assert.Equal(t, host.IP, network.DNS.Host[0].IP)
		assert.Equal(t, host.Name, network.DNS.Host[0].Hostnames[0].Hostname)
	})

	t.Run("isolated has no forward", func(t *testing.T) {
		doc, err := GenerateNetworkXML(LibvirtNetworkConfig{Name: "iso", Mode: ModeIsolated, IPAddress: "10.0.0.1"})
		require.NoError(t, err)

		var network libvirtxml.Network
		require.NoError(t, network.Unmarshal(doc))
		assert.Nil(t, network.Forward)
		assert.Equal(t, "10.0.0.1", network.IPs[0].Address)
		assert.Nil(t, network.IPs[0].DHCP)
	})

	t.Run("bridge", func(t *testing.T) {
		doc, err := GenerateNetworkXML(LibvirtNetworkConfig{Name: "br", Mode: ModeBridge, BridgeName: "br0"})
		require.NoError(t, err)
		assert.Contains(t, doc, `<bridge name="br0"`)
	})

	tests := []struct {
		name   string
		config LibvirtNetworkConfig
	}{
		{name: "bridge without name", config: LibvirtNetworkConfig{Name: "br", Mode: ModeBridge}},
		{name: "bridge with hosts", config: LibvirtNetworkConfig{Name: "br", Mode: ModeBridge, BridgeName: "br0", Hosts: []Host{host}}},
		{name: "unknown mode", config: LibvirtNetworkConfig{Name: "x", Mode: "macvtap"}},
		{name: "incomplete host", config: LibvirtNetworkConfig{Name: "x", Mode: ModeNAT, Hosts: []Host{{IP: host.IP}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := GenerateNetworkXML(tt.config)
			assert.Error(t, err)
		})
	}
}

func TestParseNetworkInfo(t *testing.T) {
	host := Host{MAC: "52:54:00:12:34:56", Name: "devvm.local", IP: "192.168.56.111"}
	doc, err := GenerateNetworkXML(LibvirtNetworkConfig{Name: "devvm", Mode: ModeNAT, Hosts: []Host{host}})
	require.NoError(t, err)

	info, err := parseNetworkInfo("devvm", doc, true, false)
	require.NoError(t, err)

	assert.Equal(t, ModeNAT, info.Mode)
	assert.True(t, info.IsActive)
	assert.True(t, info.HasHost(host))

	tests := []struct {
		name string
		host Host
	}{
		{name: "other ip", host: Host{MAC: host.MAC, Name: host.Name, IP: "192.168.56.112"}},
		{name: "other name", host: Host{MAC: host.MAC, Name: "other.local", IP: host.IP}},
		{name: "other mac", host: Host{MAC: "52:54:00:00:00:01", Name: host.Name, IP: host.IP}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, info.HasHost(tt.host))
		})
	}

	t.Run("dhcp lease without dns entry", func(t *testing.T) {
		partial := *info
		partial.DNSHosts = nil
		assert.False(t, partial.HasHost(host))
	})
}

func TestStaleDNSHosts(t *testing.T) {
	host := Host{MAC: "52:54:00:12:34:56", Name: "devvm.local", IP: "192.168.56.111"}
	dns := func(ip string, names ...string) libvirtxml.NetworkDNSHost {
		d := libvirtxml.NetworkDNSHost{IP: ip}
		for _, n := range names {
			d.Hostnames = append(d.Hostnames, libvirtxml.NetworkDNSHostHostname{Hostname: n})
		}
		return d
	}

	tests := []struct {
		name  string
		hosts []libvirtxml.NetworkDNSHost
		want  []libvirtxml.NetworkDNSHost
	}{
		{name: "empty"},
		{
			name:  "own entry",
			hosts: []libvirtxml.NetworkDNSHost{dns(host.IP, host.Name)},
		},
		{
			name:  "unrelated",
			hosts: []libvirtxml.NetworkDNSHost{dns("192.168.56.2", "db.local")},
		},
		{
			name:  "address under another name",
			hosts: []libvirtxml.NetworkDNSHost{dns(host.IP, "old.local"), dns("192.168.56.2", "db.local")},
			want:  []libvirtxml.NetworkDNSHost{dns(host.IP, "old.local")},
		},
		{
			name:  "name at another address",
			hosts: []libvirtxml.NetworkDNSHost{dns("192.168.56.112", "alias.local", host.Name)},
			want:  []libvirtxml.NetworkDNSHost{dns("192.168.56.112", "alias.local", host.Name)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &LibvirtNetworkInfo{DNSHosts: tt.hosts}
			assert.Equal(t, tt.want, info.staleDNSHosts(host))
		})
	}
}

func TestUpdateFlags(t *testing.T) {
	assert.Equal(t, libvirt.NETWORK_UPDATE_AFFECT_LIVE|libvirt.NETWORK_UPDATE_AFFECT_CONFIG, updateFlags(true))
	assert.Equal(t, libvirt.NETWORK_UPDATE_AFFECT_CONFIG, updateFlags(false))
}
