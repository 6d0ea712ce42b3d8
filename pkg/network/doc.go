// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package network manages the libvirt virtual networks development machines
// are attached to.
//
// LibvirtNetworkManager creates NAT or isolated networks and keeps static
// host reservations on them: a DHCP lease binding a MAC address to an IP
// address and a DNS entry resolving the machine's hostname to the same
// address.
//
// # Manager Pattern
//
//   - Constructor injection of the libvirt connection
//   - Create/Get/Delete methods that accept context.Context
//   - Idempotent Create, Delete, AddHost and RemoveHost operations
//   - Error-based existence checking (Get returns ErrNetworkNotFound)
//
// # Example Usage
//
//	conn, err := libvirt.NewConnect("qemu:///system")
//	if err != nil {
//	    // handle error
//	}
//	mgr := network.NewLibvirtNetworkManager(conn)
//
//	err = mgr.Create(ctx, network.LibvirtNetworkConfig{
//	    Name:      "devvm",
//	    IPAddress: "192.168.56.1",
//	    Netmask:   "255.255.255.0",
//	})
//
//	host := network.Host{MAC: "52:54:00:12:34:56", Name: "devvm.local", IP: "192.168.56.111"}
//	err = mgr.AddHost(ctx, "devvm", host)
//
//	info, err := mgr.Get(ctx, "devvm")
//	if errors.Is(err, network.ErrNetworkNotFound) {
//	    // network doesn't exist
//	}
//	_ = info.HasHost(host)
package network
