package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerAddressPicksFirstEnabledIPv6(t *testing.T) {
	s := Server{Interfaces: []ServerInterface{
		{Enabled: true, Family: "IPv4", Address: "10.0.0.1"},
		{Enabled: false, Family: "IPv6", Address: "fd00::1"},
		{Enabled: true, Family: "IPv6", Address: "fd00::2"},
		{Enabled: true, Family: "IPv6", Address: "fd00::3"},
	}}
	addr, err := s.Address()
	require.NoError(t, err)
	assert.Equal(t, "fd00::2", addr)
}

func TestServerAddressRequiresAnEnabledIPv6Interface(t *testing.T) {
	s := Server{Interfaces: []ServerInterface{
		{Enabled: true, Family: "IPv4", Address: "10.0.0.1"},
		{Enabled: false, Family: "IPv6", Address: "fd00::1"},
	}}
	_, err := s.Address()
	assert.Error(t, err)
}

func TestServerAddressEmptyInterfacesIsAnError(t *testing.T) {
	_, err := (&Server{}).Address()
	assert.Error(t, err)
}

func TestPrimaryStorageReturnsTheMarkedDisk(t *testing.T) {
	vm := VM{Storages: []Storage{{ID: 1}, {ID: 2, Primary: true}, {ID: 3}}}
	got := vm.PrimaryStorage()
	require.NotNil(t, got)
	assert.Equal(t, 2, got.ID)
}

func TestPrimaryStorageNilWhenNoneMarked(t *testing.T) {
	vm := VM{Storages: []Storage{{ID: 1}}}
	assert.Nil(t, vm.PrimaryStorage())
}

func TestPrimaryInterfacePrefersGatewaySubnet(t *testing.T) {
	vm := VM{Interfaces: []Interface{{ID: 1}, {ID: 2, IsGateway: true}, {ID: 3}}}
	got := vm.PrimaryInterface()
	require.NotNil(t, got)
	assert.Equal(t, 2, got.ID)
}

func TestPrimaryInterfaceFallsBackToFirst(t *testing.T) {
	vm := VM{Interfaces: []Interface{{ID: 7}, {ID: 8}}}
	got := vm.PrimaryInterface()
	require.NotNil(t, got)
	assert.Equal(t, 7, got.ID)
}

func TestPrimaryInterfaceNilWhenNoInterfaces(t *testing.T) {
	assert.Nil(t, (&VM{}).PrimaryInterface())
}

func TestScrubCredentialsClearsBothPasswords(t *testing.T) {
	vm := VM{AdminPassword: "secret", RootPassword: "also-secret"}
	vm.ScrubCredentials()
	assert.Empty(t, vm.AdminPassword)
	assert.Empty(t, vm.RootPassword)
}

func TestTerminalOnlyForClosed(t *testing.T) {
	assert.True(t, Closed.Terminal())
	assert.False(t, Unresourced.Terminal())
	assert.False(t, Running.Terminal())
}
