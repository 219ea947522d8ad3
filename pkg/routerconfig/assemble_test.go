package routerconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virctl/robot/pkg/types"
)

func sampleVR() *types.VirtualRouter {
	return &types.VirtualRouter{
		ID:        9,
		ProjectID: 9,
		Subnets: []types.Subnet{
			{ID: 1, AddressRange: "10.0.0.0/24", VLAN: 100},
		},
		IPAddresses: []types.IPAddress{
			{ID: 1, Address: "10.0.0.5", PublicIPID: intPtr(1), PublicIP: "203.0.113.5"},
			{ID: 2, Address: "10.0.0.6"},
		},
		FirewallRules: []types.FirewallRule{
			{Order: 2, DestinationCIDR: "10.0.0.0/24", Protocol: "tcp"},
			{Order: 1, DestinationCIDR: "8.8.8.0/24", Port: "443", Protocol: "tcp"},
		},
		VPNs: []types.VPN{
			{
				ID:                  1,
				Routes:              []types.VPNRoute{{Local: "10.0.0.0/24", Remote: "192.168.1.0/24"}},
				IKEVersion:          "v2",
				IKEMode:             "main",
				IKEAuthentication:   "sha-256",
				IKEDHGroup:          "group19",
				IKEEncryption:       "aes-256-cbc",
				IPSECAuthentication: "hmac-sha1-96",
				IPSECEncryption:    "aes-128-gcm",
				IPSECPFSGroup:      "group14",
			},
		},
	}
}

func intPtr(i int) *int { return &i }

func TestAssembleOrdersRulesAndDerivesNAT(t *testing.T) {
	ctx, err := Assemble(sampleVR())
	require.NoError(t, err)

	require.Len(t, ctx.InboundRules, 1, "the private-destination rule buckets inbound")
	assert.Equal(t, 2, ctx.InboundRules[0].Order)
	assert.Equal(t, "0-65535", ctx.InboundRules[0].Port, "unset port defaults to full range")

	require.Len(t, ctx.OutboundRules, 1, "the public-destination rule buckets outbound")
	assert.Equal(t, 1, ctx.OutboundRules[0].Order)
	assert.Equal(t, "443", ctx.OutboundRules[0].Port)

	require.Len(t, ctx.NATs, 1)
	assert.Equal(t, NAT{Private: "10.0.0.5", Public: "203.0.113.5"}, ctx.NATs[0])
}

func TestAssembleVPNDefaultsTrafficSelector(t *testing.T) {
	ctx, err := Assemble(sampleVR())
	require.NoError(t, err)

	require.Len(t, ctx.VPNs, 1)
	assert.Equal(t, "0.0.0.0/0", ctx.VPNs[0].TrafficSelectorLocal)
	assert.Equal(t, "0.0.0.0/0", ctx.VPNs[0].TrafficSelectorRemote)
	assert.Equal(t, "2", ctx.VPNs[0].IKEVersion)
	assert.Equal(t, "no", ctx.VPNs[0].Aggressive)
}

func TestAssembleVPNIKEv1AndAggressive(t *testing.T) {
	vr := sampleVR()
	vr.VPNs[0].IKEVersion = "v1-only"
	vr.VPNs[0].IKEMode = "aggressive"

	ctx, err := Assemble(vr)
	require.NoError(t, err)
	assert.Equal(t, "1", ctx.VPNs[0].IKEVersion)
	assert.Equal(t, "yes", ctx.VPNs[0].Aggressive)
}

func TestAssembleUnknownVPNParameterFails(t *testing.T) {
	vr := sampleVR()
	vr.VPNs[0].IKEEncryption = "rot13"

	_, err := Assemble(vr)
	require.Error(t, err)
	var dataErr *DataError
	require.ErrorAs(t, err, &dataErr)
	assert.Equal(t, types.ReasonTemplateDataFailed, dataErr.Reason)
}

func TestAssembleDebugForcesLogOnEveryRule(t *testing.T) {
	vr := sampleVR()
	vr.Debug = true

	ctx, err := Assemble(vr)
	require.NoError(t, err)
	for _, r := range ctx.InboundRules {
		assert.True(t, r.Log)
	}
	for _, r := range ctx.OutboundRules {
		assert.True(t, r.Log)
	}
}

func TestAssembleIsDeterministic(t *testing.T) {
	vr := sampleVR()
	first, err := Assemble(vr)
	require.NoError(t, err)
	second, err := Assemble(vr)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBucketRulesSplitsByDestinationPrivacy(t *testing.T) {
	inbound, outbound, err := bucketRules([]types.FirewallRule{
		{Order: 1, DestinationCIDR: "192.168.1.0/24"},
		{Order: 2, DestinationCIDR: "8.8.8.0/24"},
		{Order: 3, DestinationCIDR: "fc00::/64"},
		{Order: 4, DestinationCIDR: "2001:db8::/32"},
	})
	require.NoError(t, err)
	require.Len(t, inbound, 2)
	assert.Equal(t, 1, inbound[0].Order)
	assert.Equal(t, 3, inbound[1].Order)
	require.Len(t, outbound, 2)
	assert.Equal(t, 2, outbound[0].Order)
	assert.Equal(t, 4, outbound[1].Order)
}

func TestIsPrivateClassifiesRFC1918(t *testing.T) {
	priv, err := isPrivate("10.0.0.0/24")
	require.NoError(t, err)
	assert.True(t, priv)

	pub, err := isPrivate("8.8.8.0/24")
	require.NoError(t, err)
	assert.False(t, pub)
}
