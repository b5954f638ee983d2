package synth

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
)

// addressPreferredLifetime and addressValidLifetime are the IA Address
// lifetimes offered in every IA_NA — the preferred lifetime is shorter
// than the DHCPv4 lease, the valid lifetime equals it, since the
// spec.md §9 decision (stateless, always-renewable) applies here
// too: a REQUEST/RENEW/REBIND for the NIC's address always succeeds.
const (
	addressPreferredLifetime = 4 * 3600
	addressValidLifetime     = 24 * 3600
)

// DHCPv6 synthesizes SOLICIT→ADVERTISE, REQUEST/RENEW/REBIND/CONFIRM→
// REPLY, and INFORMATION-REQUEST→REPLY. Transport is UDP/547 to the
// all-DHCP-relay-agents-and-servers multicast group or link-local
// unicast — either way the reply always goes back to the solicited
// link-local source address, never re-resolved (spec.md §4.4).
func DHCPv6(nic NicConfig, frame []byte) ([]byte, bool) {
	if nic.IPv6Address == nil {
		return nil, false
	}

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	udp, ok := udpLayer.(*layers.UDP)
	if !ok || udp.DstPort != 547 {
		return nil, false
	}
	ipLayer := pkt.Layer(layers.LayerTypeIPv6)
	ip, ok := ipLayer.(*layers.IPv6)
	if !ok {
		return nil, false
	}
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	eth, ok := ethLayer.(*layers.Ethernet)
	if !ok {
		return nil, false
	}

	msg, err := dhcpv6.MessageFromBytes(udp.Payload)
	if err != nil {
		return nil, false
	}

	clientID := msg.Options.ClientID()
	if clientID == nil {
		return nil, false
	}

	serverDUID := dhcpv6.Duid{
		Type:          dhcpv6.DUID_LL,
		HwType:        iana.HWTypeEthernet,
		LinkLayerAddr: GatewayMAC[:],
	}

	iaNA := dhcpv6.OptIANA(dhcpv6.IANA{
		IaId: extractIAID(msg),
		T1:   addressPreferredLifetime / 2,
		T2:   addressPreferredLifetime * 4 / 5,
		Options: dhcpv6.IdentityOptions{Options: []dhcpv6.Option{
			&dhcpv6.OptIAAddress{
				IPv6Addr:          nic.IPv6Address,
				PreferredLifetime: addressPreferredLifetime,
				ValidLifetime:     addressValidLifetime,
			},
		}},
	})
	// A client that sent no IA_NA gets none back, so no IAID is made up.
	withIANA := dhcpv6.WithOption(iaNA)
	if msg.Options.OneIANA() == nil {
		withIANA = func(dhcpv6.DHCPv6) {}
	}

	var reply dhcpv6.DHCPv6
	switch msg.Type() {
	case dhcpv6.MessageTypeSolicit:
		reply, err = dhcpv6.NewAdvertiseFromSolicit(msg,
			dhcpv6.WithServerID(serverDUID),
			withIANA,
			dhcpv6.WithDNS(nic.dnsV6()...),
		)
	case dhcpv6.MessageTypeRequest, dhcpv6.MessageTypeRenew, dhcpv6.MessageTypeRebind, dhcpv6.MessageTypeConfirm:
		reply, err = dhcpv6.NewReplyFromDHCPv6Message(msg,
			dhcpv6.WithServerID(serverDUID),
			withIANA,
			dhcpv6.WithDNS(nic.dnsV6()...),
		)
	case dhcpv6.MessageTypeInformationRequest:
		reply, err = dhcpv6.NewReplyFromDHCPv6Message(msg,
			dhcpv6.WithServerID(serverDUID),
			dhcpv6.WithDNS(nic.dnsV6()...),
		)
	default:
		return nil, false
	}
	if err != nil || reply == nil {
		return nil, false
	}

	var dstMAC [6]byte
	copy(dstMAC[:], eth.SrcMAC)

	gw := nic.gatewayV6()
	return buildUDPv6Frame(GatewayMAC, dstMAC, gw, ip.SrcIP, 547, 546, reply.ToBytes())
}

// extractIAID echoes back the client's own IA_NA identity association
// ID when present. Without one it returns the placeholder {0,0,0,1},
// which never reaches the wire because DHCPv6 then leaves IA_NA out of
// the reply — every synthesizer here is stateless, so there is no
// lease database keyed by IAID to consult.
func extractIAID(msg *dhcpv6.Message) [4]byte {
	if iana := msg.Options.OneIANA(); iana != nil {
		return iana.IaId
	}
	return [4]byte{0, 0, 0, 1}
}
