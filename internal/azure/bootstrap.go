// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package azure creates the single VM the installer runs on: one
// resource group holding a virtual network, a security group
// admitting SSH and HTTP, a static public address, a NIC and an
// Ubuntu VM whose CustomData carries the cloud-init user-data.
// Every resource is probed before creation so re-running bootstrap
// against an existing deployment is safe.
package azure

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	armcompute "github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v2"
	azurenetwork "github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/resources/armresources"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"

	"github.com/juju/redmine-provision/internal/config"
)

var logger = loggo.GetLogger("provision.azure")

const subnetName = "redmine-subnet"

// ubuntuImage is the Jammy image the installer targets.
var ubuntuImage = armcompute.ImageReference{
	Publisher: to.Ptr("Canonical"),
	Offer:     to.Ptr("0001-com-ubuntu-server-jammy"),
	SKU:       to.Ptr("22_04-lts-gen2"),
	Version:   to.Ptr("latest"),
}

// Bootstrap drives the ARM clients for one deployment.
type Bootstrap struct {
	cfg config.Azure

	groups *armresources.ResourceGroupsClient
	vnets  *azurenetwork.VirtualNetworksClient
	nsgs   *azurenetwork.SecurityGroupsClient
	pips   *azurenetwork.PublicIPAddressesClient
	nics   *azurenetwork.InterfacesClient
	vms    *armcompute.VirtualMachinesClient
}

// NewBootstrap builds the ARM clients using the default credential
// chain (environment, managed identity, then az CLI).
func NewBootstrap(cfg config.Azure) (*Bootstrap, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, errors.Annotate(err, "building azure credential")
	}
	b := &Bootstrap{cfg: cfg}
	if b.groups, err = armresources.NewResourceGroupsClient(cfg.SubscriptionID, cred, nil); err != nil {
		return nil, errors.Trace(err)
	}
	if b.vnets, err = azurenetwork.NewVirtualNetworksClient(cfg.SubscriptionID, cred, nil); err != nil {
		return nil, errors.Trace(err)
	}
	if b.nsgs, err = azurenetwork.NewSecurityGroupsClient(cfg.SubscriptionID, cred, nil); err != nil {
		return nil, errors.Trace(err)
	}
	if b.pips, err = azurenetwork.NewPublicIPAddressesClient(cfg.SubscriptionID, cred, nil); err != nil {
		return nil, errors.Trace(err)
	}
	if b.nics, err = azurenetwork.NewInterfacesClient(cfg.SubscriptionID, cred, nil); err != nil {
		return nil, errors.Trace(err)
	}
	if b.vms, err = armcompute.NewVirtualMachinesClient(cfg.SubscriptionID, cred, nil); err != nil {
		return nil, errors.Trace(err)
	}
	return b, nil
}

// Names derives the per-resource names from the VM name, matching
// what the original ARM templates produced.
type Names struct {
	VNet     string
	NSG      string
	PublicIP string
	NIC      string
}

// ResourceNames returns the derived resource names for a VM.
func ResourceNames(vmName string) Names {
	return Names{
		VNet:     vmName + "-vnet",
		NSG:      vmName + "-nsg",
		PublicIP: vmName + "-pip",
		NIC:      vmName + "-nic",
	}
}

// EncodeCustomData prepares user-data for the CustomData field:
// gzip, then base64, the encoding cloud-init on Azure accepts.
func EncodeCustomData(userData []byte) string {
	return base64.StdEncoding.EncodeToString(utils.Gzip(userData))
}

// Run creates everything and returns the VM's public address.
func (b *Bootstrap) Run(ctx context.Context, userData []byte, sshPublicKey string) (string, error) {
	names := ResourceNames(b.cfg.VMName)

	if err := b.ensureResourceGroup(ctx); err != nil {
		return "", errors.Trace(err)
	}
	nsgID, err := b.ensureSecurityGroup(ctx, names.NSG)
	if err != nil {
		return "", errors.Trace(err)
	}
	subnetID, err := b.ensureNetwork(ctx, names.VNet, nsgID)
	if err != nil {
		return "", errors.Trace(err)
	}
	pipID, address, err := b.ensurePublicIP(ctx, names.PublicIP)
	if err != nil {
		return "", errors.Trace(err)
	}
	nicID, err := b.ensureNIC(ctx, names.NIC, subnetID, pipID)
	if err != nil {
		return "", errors.Trace(err)
	}
	if err := b.ensureVM(ctx, nicID, userData, sshPublicKey); err != nil {
		return "", errors.Trace(err)
	}
	return address, nil
}

func (b *Bootstrap) ensureResourceGroup(ctx context.Context) error {
	exists, err := b.groups.CheckExistence(ctx, b.cfg.ResourceGroup, nil)
	if err != nil {
		return errors.Annotate(err, "probing resource group")
	}
	if exists.Success {
		logger.Infof("resource group %q already exists", b.cfg.ResourceGroup)
		return nil
	}
	_, err = b.groups.CreateOrUpdate(ctx, b.cfg.ResourceGroup, armresources.ResourceGroup{
		Location: to.Ptr(b.cfg.Location),
	}, nil)
	return errors.Annotate(err, "creating resource group")
}

func (b *Bootstrap) ensureSecurityGroup(ctx context.Context, name string) (string, error) {
	if existing, err := b.nsgs.Get(ctx, b.cfg.ResourceGroup, name, nil); err == nil {
		logger.Infof("security group %q already exists", name)
		return toValue(existing.ID), nil
	} else if !isNotFound(err) {
		return "", errors.Annotate(err, "probing security group")
	}

	rule := func(name string, port string, priority int32) *azurenetwork.SecurityRule {
		return &azurenetwork.SecurityRule{
			Name: to.Ptr(name),
			Properties: &azurenetwork.SecurityRulePropertiesFormat{
				Protocol:                 to.Ptr(azurenetwork.SecurityRuleProtocolTCP),
				SourceAddressPrefix:      to.Ptr("*"),
				SourcePortRange:          to.Ptr("*"),
				DestinationAddressPrefix: to.Ptr("*"),
				DestinationPortRange:     to.Ptr(port),
				Access:                   to.Ptr(azurenetwork.SecurityRuleAccessAllow),
				Direction:                to.Ptr(azurenetwork.SecurityRuleDirectionInbound),
				Priority:                 to.Ptr(priority),
			},
		}
	}
	poller, err := b.nsgs.BeginCreateOrUpdate(ctx, b.cfg.ResourceGroup, name, azurenetwork.SecurityGroup{
		Location: to.Ptr(b.cfg.Location),
		Properties: &azurenetwork.SecurityGroupPropertiesFormat{
			SecurityRules: []*azurenetwork.SecurityRule{
				rule("allow-ssh", "22", 1001),
				rule("allow-http", "80", 1002),
			},
		},
	}, nil)
	if err != nil {
		return "", errors.Annotate(err, "creating security group")
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", errors.Annotate(err, "waiting for security group")
	}
	return toValue(resp.ID), nil
}

func (b *Bootstrap) ensureNetwork(ctx context.Context, name, nsgID string) (string, error) {
	if existing, err := b.vnets.Get(ctx, b.cfg.ResourceGroup, name, nil); err == nil {
		logger.Infof("virtual network %q already exists", name)
		return subnetID(existing.VirtualNetwork)
	} else if !isNotFound(err) {
		return "", errors.Annotate(err, "probing virtual network")
	}

	poller, err := b.vnets.BeginCreateOrUpdate(ctx, b.cfg.ResourceGroup, name, azurenetwork.VirtualNetwork{
		Location: to.Ptr(b.cfg.Location),
		Properties: &azurenetwork.VirtualNetworkPropertiesFormat{
			AddressSpace: &azurenetwork.AddressSpace{
				AddressPrefixes: []*string{to.Ptr(b.cfg.AddressPrefix)},
			},
			Subnets: []*azurenetwork.Subnet{{
				Name: to.Ptr(subnetName),
				Properties: &azurenetwork.SubnetPropertiesFormat{
					AddressPrefix: to.Ptr(b.cfg.SubnetPrefix),
					NetworkSecurityGroup: &azurenetwork.SecurityGroup{
						ID: to.Ptr(nsgID),
					},
				},
			}},
		},
	}, nil)
	if err != nil {
		return "", errors.Annotate(err, "creating virtual network")
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", errors.Annotate(err, "waiting for virtual network")
	}
	return subnetID(resp.VirtualNetwork)
}

func subnetID(vnet azurenetwork.VirtualNetwork) (string, error) {
	if vnet.Properties == nil {
		return "", errors.New("virtual network has no properties")
	}
	for _, subnet := range vnet.Properties.Subnets {
		if toValue(subnet.Name) == subnetName {
			return toValue(subnet.ID), nil
		}
	}
	return "", errors.NotFoundf("subnet %q", subnetName)
}

func (b *Bootstrap) ensurePublicIP(ctx context.Context, name string) (id, address string, err error) {
	if existing, err := b.pips.Get(ctx, b.cfg.ResourceGroup, name, nil); err == nil {
		logger.Infof("public address %q already exists", name)
		return toValue(existing.ID), publicAddress(existing.PublicIPAddress), nil
	} else if !isNotFound(err) {
		return "", "", errors.Annotate(err, "probing public address")
	}

	poller, err := b.pips.BeginCreateOrUpdate(ctx, b.cfg.ResourceGroup, name, azurenetwork.PublicIPAddress{
		Location: to.Ptr(b.cfg.Location),
		SKU: &azurenetwork.PublicIPAddressSKU{
			Name: to.Ptr(azurenetwork.PublicIPAddressSKUNameStandard),
		},
		Properties: &azurenetwork.PublicIPAddressPropertiesFormat{
			PublicIPAllocationMethod: to.Ptr(azurenetwork.IPAllocationMethodStatic),
		},
	}, nil)
	if err != nil {
		return "", "", errors.Annotate(err, "creating public address")
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", "", errors.Annotate(err, "waiting for public address")
	}
	return toValue(resp.ID), publicAddress(resp.PublicIPAddress), nil
}

func publicAddress(pip azurenetwork.PublicIPAddress) string {
	if pip.Properties == nil {
		return ""
	}
	return toValue(pip.Properties.IPAddress)
}

func (b *Bootstrap) ensureNIC(ctx context.Context, name, subnetID, pipID string) (string, error) {
	if existing, err := b.nics.Get(ctx, b.cfg.ResourceGroup, name, nil); err == nil {
		logger.Infof("network interface %q already exists", name)
		return toValue(existing.ID), nil
	} else if !isNotFound(err) {
		return "", errors.Annotate(err, "probing network interface")
	}

	poller, err := b.nics.BeginCreateOrUpdate(ctx, b.cfg.ResourceGroup, name, azurenetwork.Interface{
		Location: to.Ptr(b.cfg.Location),
		Properties: &azurenetwork.InterfacePropertiesFormat{
			IPConfigurations: []*azurenetwork.InterfaceIPConfiguration{{
				Name: to.Ptr("primary"),
				Properties: &azurenetwork.InterfaceIPConfigurationPropertiesFormat{
					Subnet: &azurenetwork.Subnet{ID: to.Ptr(subnetID)},
					PrivateIPAllocationMethod: to.Ptr(
						azurenetwork.IPAllocationMethodDynamic),
					PublicIPAddress: &azurenetwork.PublicIPAddress{
						ID: to.Ptr(pipID),
					},
				},
			}},
		},
	}, nil)
	if err != nil {
		return "", errors.Annotate(err, "creating network interface")
	}
	resp, err := poller.PollUntilDone(ctx, nil)
	if err != nil {
		return "", errors.Annotate(err, "waiting for network interface")
	}
	return toValue(resp.ID), nil
}

func (b *Bootstrap) ensureVM(ctx context.Context, nicID string, userData []byte, sshPublicKey string) error {
	if _, err := b.vms.Get(ctx, b.cfg.ResourceGroup, b.cfg.VMName, nil); err == nil {
		logger.Infof("virtual machine %q already exists", b.cfg.VMName)
		return nil
	} else if !isNotFound(err) {
		return errors.Annotate(err, "probing virtual machine")
	}

	keyPath := "/home/" + b.cfg.AdminUsername + "/.ssh/authorized_keys"
	poller, err := b.vms.BeginCreateOrUpdate(ctx, b.cfg.ResourceGroup, b.cfg.VMName, armcompute.VirtualMachine{
		Location: to.Ptr(b.cfg.Location),
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(b.cfg.VMSize)),
			},
			StorageProfile: &armcompute.StorageProfile{
				ImageReference: &ubuntuImage,
				OSDisk: &armcompute.OSDisk{
					Name:         to.Ptr(b.cfg.VMName + "-osdisk"),
					CreateOption: to.Ptr(armcompute.DiskCreateOptionTypesFromImage),
					ManagedDisk: &armcompute.ManagedDiskParameters{
						StorageAccountType: to.Ptr(armcompute.StorageAccountTypesStandardLRS),
					},
				},
			},
			OSProfile: &armcompute.OSProfile{
				ComputerName:  to.Ptr(b.cfg.VMName),
				AdminUsername: to.Ptr(b.cfg.AdminUsername),
				CustomData:    to.Ptr(EncodeCustomData(userData)),
				LinuxConfiguration: &armcompute.LinuxConfiguration{
					DisablePasswordAuthentication: to.Ptr(true),
					SSH: &armcompute.SSHConfiguration{
						PublicKeys: []*armcompute.SSHPublicKey{{
							Path:    to.Ptr(keyPath),
							KeyData: to.Ptr(sshPublicKey),
						}},
					},
				},
			},
			NetworkProfile: &armcompute.NetworkProfile{
				NetworkInterfaces: []*armcompute.NetworkInterfaceReference{{
					ID: to.Ptr(nicID),
				}},
			},
		},
	}, nil)
	if err != nil {
		return errors.Annotate(err, "creating virtual machine")
	}
	if _, err := poller.PollUntilDone(ctx, nil); err != nil {
		return errors.Annotate(err, "waiting for virtual machine")
	}
	logger.Infof("virtual machine %q provisioned", b.cfg.VMName)
	return nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return stderrors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func toValue[T any](p *T) T {
	if p == nil {
		return *new(T)
	}
	return *p
}
