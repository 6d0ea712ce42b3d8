//go:build integration

package network_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirt"

	"github.com/alexandremahdhaoui/devvm/pkg/network"
)

// Integration tests for libvirt network management

func newManager(t *testing.T) *network.LibvirtNetworkManager {
	t.Helper()
	conn, err := libvirt.NewConnect("qemu:///system")
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = conn.Close() })
	return network.NewLibvirtNetworkManager(conn)
}

func TestLibvirtNetworkManager_Create_NAT_Integration(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	networkName := "net" + uuid.NewString()[:8]

	err := mgr.Create(ctx, network.LibvirtNetworkConfig{
		Name:      networkName,
		IPAddress: "192.168.157.1",
	})
	require.NoError(t, err)
	defer func() { _ = mgr.Delete(ctx, networkName) }()

	info, err := mgr.Get(ctx, networkName)
	require.NoError(t, err)
	require.Equal(t, networkName, info.Name)
	require.Equal(t, network.ModeNAT, info.Mode)
	require.True(t, info.IsActive)
	require.True(t, info.Autostart)
}

func TestLibvirtNetworkManager_Create_Idempotent_Integration(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	networkName := "net" + uuid.NewString()[:8]
	config := network.LibvirtNetworkConfig{
		Name:      networkName,
		Mode:      network.ModeIsolated,
		IPAddress: "192.168.158.1",
	}

	require.NoError(t, mgr.Create(ctx, config))
	defer func() { _ = mgr.Delete(ctx, networkName) }()

	require.NoError(t, mgr.Create(ctx, config))

	_, err := mgr.Get(ctx, networkName)
	require.NoError(t, err)
}

func TestLibvirtNetworkManager_Hosts_Integration(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	networkName := "net" + uuid.NewString()[:8]
	host := network.Host{MAC: "52:54:00:aa:bb:cc", Name: "devvm-it.local", IP: "192.168.159.111"}

	require.NoError(t, mgr.Create(ctx, network.LibvirtNetworkConfig{
		Name:      networkName,
		IPAddress: "192.168.159.1",
	}))
	defer func() { _ = mgr.Delete(ctx, networkName) }()

	require.NoError(t, mgr.AddHost(ctx, networkName, host))
	// adding twice is a no-op
	require.NoError(t, mgr.AddHost(ctx, networkName, host))

	info, err := mgr.Get(ctx, networkName)
	require.NoError(t, err)
	assert.True(t, info.HasHost(host))
	assert.Len(t, info.DHCPHosts, 1)

	// same MAC, new address: the lease is replaced
	moved := host
	moved.IP = "192.168.159.112"
	require.NoError(t, mgr.AddHost(ctx, networkName, moved))

	info, err = mgr.Get(ctx, networkName)
	require.NoError(t, err)
	assert.True(t, info.HasHost(moved))
	assert.Len(t, info.DHCPHosts, 1)
	assert.Len(t, info.DNSHosts, 1)

	// same address, new name: the stale dns entry is replaced
	renamed := moved
	renamed.Name = "devvm-renamed.local"
	require.NoError(t, mgr.AddHost(ctx, networkName, renamed))

	info, err = mgr.Get(ctx, networkName)
	require.NoError(t, err)
	assert.True(t, info.HasHost(renamed))
	assert.Len(t, info.DNSHosts, 1)

	require.NoError(t, mgr.RemoveHost(ctx, networkName, renamed))
	require.NoError(t, mgr.RemoveHost(ctx, networkName, renamed))

	info, err = mgr.Get(ctx, networkName)
	require.NoError(t, err)
	assert.False(t, info.HasHost(renamed))
	assert.Empty(t, info.DNSHosts)
}

func TestLibvirtNetworkManager_Delete_Idempotent_Integration(t *testing.T) {
	mgr := newManager(t)
	ctx := context.Background()

	networkName := "net" + uuid.NewString()[:8]

	require.NoError(t, mgr.Create(ctx, network.LibvirtNetworkConfig{
		Name:      networkName,
		Mode:      network.ModeIsolated,
		IPAddress: "192.168.160.1",
	}))

	require.NoError(t, mgr.Delete(ctx, networkName))
	require.NoError(t, mgr.Delete(ctx, networkName))

	_, err := mgr.Get(ctx, networkName)
	require.ErrorIs(t, err, network.ErrNetworkNotFound)
}
