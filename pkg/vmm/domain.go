/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vmm

import (
	"fmt"

	"github.com/google/uuid"
	"k8s.io/utils/ptr"
	"libvirt.org/go/libvirtxml"
)

// domainUUID is stable for a given name so that redefining a destroyed VM
// keeps its identity.
func domainUUID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("devvm://"+name)).String()
}

// generateDomainXML creates libvirt domain XML from VMConfig
// Returns XML string ready for libvirt.DomainDefineXML()
func generateDomainXML(cfg VMConfig, diskPath, cloudInitISOPath string) (string, error) {
	network := cfg.Network
	if network == "" {
		network = defaultNetwork
	}

	iface := libvirtxml.DomainInterface{
		Source: &libvirtxml.DomainInterfaceSource{
			Network: &libvirtxml.DomainInterfaceSourceNetwork{
				Network: network,
			},
		},
		Model: &libvirtxml.DomainInterfaceModel{
			Type: "virtio",
		},
	}
	if cfg.MACAddress != "" {
		iface.MAC = &libvirtxml.DomainInterfaceMAC{Address: cfg.MACAddress}
	}

	filesystems := make([]libvirtxml.DomainFilesystem, 0, len(cfg.VirtioFS))
	for _, fs := range cfg.VirtioFS {
		filesystem := libvirtxml.DomainFilesystem{
			AccessMode: "passthrough",
			Driver: &libvirtxml.DomainFilesystemDriver{
				Type:  "virtiofs",
				Queue: 1024,
			},
			Source: &libvirtxml.DomainFilesystemSource{
				Mount: &libvirtxml.DomainFilesystemSourceMount{
					Dir: fs.HostPath,
				},
			},
			Target: &libvirtxml.DomainFilesystemTarget{
				Dir: fs.Tag,
			},
		}
		if fs.ReadOnly {
			filesystem.ReadOnly = &libvirtxml.DomainFilesystemReadOnly{}
		}
		filesystems = append(filesystems, filesystem)
	}

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: cfg.Name,
		UUID: domainUUID(cfg.Name),
		Memory: &libvirtxml.DomainMemory{
			Value: cfg.MemoryMB,
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: cfg.VCPUs,
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: "q35",
				Type:    "hvm",
			},
			BootDevices: []libvirtxml.DomainBootDevice{
				{Dev: "hd"},
			},
		},
		Features: &libvirtxml.DomainFeatureList{
			ACPI: &libvirtxml.DomainFeature{},
			APIC: &libvirtxml.DomainFeatureAPIC{},
		},
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		Clock: &libvirtxml.DomainClock{
			Offset: "utc",
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		// virtiofs requires shared memory.
		MemoryBacking: &libvirtxml.DomainMemoryBacking{
			MemorySource: &libvirtxml.DomainMemorySource{
				Type: "memfd",
			},
			MemoryAccess: &libvirtxml.DomainMemoryAccess{
				Mode: "shared",
			},
		},
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{
				{
					Device: "disk",
					Driver: &libvirtxml.DomainDiskDriver{
						Name: "qemu",
						Type: "qcow2",
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{
							File: diskPath,
						},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "vda",
						Bus: "virtio",
					},
				},
				{
					Device: "cdrom",
					Driver: &libvirtxml.DomainDiskDriver{
						Name: "qemu",
						Type: "raw",
					},
					Source: &libvirtxml.DomainDiskSource{
						File: &libvirtxml.DomainDiskSourceFile{
							File: cloudInitISOPath,
						},
					},
					Target: &libvirtxml.DomainDiskTarget{
						Dev: "sdb",
						Bus: "sata",
					},
					ReadOnly: &libvirtxml.DomainDiskReadOnly{},
				},
			},
			Interfaces: []libvirtxml.DomainInterface{iface},
			Consoles: []libvirtxml.DomainConsole{
				{
					Target: &libvirtxml.DomainConsoleTarget{
						Type: "serial",
						Port: ptr.To[uint](0),
					},
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
				},
			},
			Channels: []libvirtxml.DomainChannel{
				{
					Target: &libvirtxml.DomainChannelTarget{
						VirtIO: &libvirtxml.DomainChannelTargetVirtIO{
							Name: "org.qemu.guest_agent.0",
						},
					},
					Address: &libvirtxml.DomainAddress{
						VirtioSerial: &libvirtxml.DomainAddressVirtioSerial{
							Controller: ptr.To[uint](0),
							Bus:        ptr.To[uint](0),
							Port:       ptr.To[uint](1),
						},
					},
				},
			},
			RNGs: []libvirtxml.DomainRNG{
				{
					Model: "virtio",
					Backend: &libvirtxml.DomainRNGBackend{
						Random: &libvirtxml.DomainRNGBackendRandom{
							Device: "/dev/urandom",
						},
					},
				},
			},
			Filesystems: filesystems,
		},
	}

	vmXML, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMarshalDomainXML, err)
	}

	return vmXML, nil
}
