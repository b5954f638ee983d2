package synth

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

var guestMAC = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}

func testNIC() NicConfig {
	return NicConfig{
		MAC:           guestMAC,
		IPv4Address:   net.IPv4(169, 254, 0, 2).To4(),
		IPv4PrefixLen: 32,
		IPv6Address:   net.ParseIP("fe80::2"),
		IPv6PrefixLen: 64,
		DNSServers:    []net.IP{net.IPv4(169, 254, 0, 1).To4()},
	}
}

func serialize(t *testing.T, layersList ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, layersList...); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

// TestARPGatewayResolution covers scenario S2: a request for the
// gateway's IPv4 address gets an ARP reply carrying the gateway MAC.
func TestARPGatewayResolution(t *testing.T) {
	nic := testNIC()
	eth := &layers.Ethernet{SrcMAC: guestMAC[:], DstMAC: net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   guestMAC[:],
		SourceProtAddress: nic.IPv4Address,
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    GatewayIPv4,
	}
	frame := serialize(t, eth, arp)

	reply, ok := ARP(nic, frame)
	if !ok {
		t.Fatalf("ARP(gateway target): want a reply, got none")
	}
	pkt := gopacket.NewPacket(reply, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true})
	replyARP, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	if !ok {
		t.Fatalf("reply has no ARP layer")
	}
	if replyARP.Operation != layers.ARPReply {
		t.Errorf("Operation = %v, want ARPReply", replyARP.Operation)
	}
	if string(replyARP.SourceHwAddress) != string(GatewayMAC[:]) {
		t.Errorf("SourceHwAddress = %x, want gateway MAC", replyARP.SourceHwAddress)
	}
}

// TestARPIgnoresNonGatewayTarget covers property 7 in spec.md §8: a
// request for any address other than the gateway is silently dropped.
func TestARPIgnoresNonGatewayTarget(t *testing.T) {
	nic := testNIC()
	eth := &layers.Ethernet{SrcMAC: guestMAC[:], DstMAC: net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   guestMAC[:],
		SourceProtAddress: nic.IPv4Address,
		DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
		DstProtAddress:    net.IPv4(8, 8, 8, 8).To4(),
	}
	frame := serialize(t, eth, arp)

	if _, ok := ARP(nic, frame); ok {
		t.Fatalf("ARP(non-gateway target): want no reply")
	}
}

func buildDHCPv4Request(t *testing.T, msgType dhcpv4.MessageType, requestedIP net.IP) []byte {
	t.Helper()
	inner, err := dhcpv4.NewDiscovery(guestMAC[:])
	if err != nil {
		t.Fatalf("NewDiscovery: %v", err)
	}
	inner.UpdateOption(dhcpv4.OptMessageType(msgType))
	if requestedIP != nil {
		inner.UpdateOption(dhcpv4.OptRequestedIPAddress(requestedIP))
	}

	eth := &layers.Ethernet{SrcMAC: guestMAC[:], DstMAC: net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: net.IPv4zero.To4(), DstIP: net.IPv4bcast.To4()}
	udp := &layers.UDP{SrcPort: 68, DstPort: 67}
	udp.SetNetworkLayerForChecksum(ip)
	return serialize(t, eth, ip, udp, gopacket.Payload(inner.ToBytes()))
}

// TestDHCPv4Handshake covers scenario S1: DISCOVER gets an OFFER for
// the NIC's configured address, and a matching REQUEST gets an ACK.
func TestDHCPv4Handshake(t *testing.T) {
	nic := testNIC()

	discover := buildDHCPv4Request(t, dhcpv4.MessageTypeDiscover, nil)
	offerFrame, ok := DHCPv4(nic, discover)
	if !ok {
		t.Fatalf("DHCPv4(DISCOVER): want an OFFER, got none")
	}
	offer := decodeDHCPv4(t, offerFrame)
	if offer.MessageType() != dhcpv4.MessageTypeOffer {
		t.Fatalf("MessageType = %v, want Offer", offer.MessageType())
	}
	if !offer.YourIPAddr.Equal(nic.IPv4Address) {
		t.Errorf("YourIPAddr = %v, want %v", offer.YourIPAddr, nic.IPv4Address)
	}

	request := buildDHCPv4Request(t, dhcpv4.MessageTypeRequest, nic.IPv4Address)
	ackFrame, ok := DHCPv4(nic, request)
	if !ok {
		t.Fatalf("DHCPv4(REQUEST): want an ACK, got none")
	}
	ack := decodeDHCPv4(t, ackFrame)
	if ack.MessageType() != dhcpv4.MessageTypeAck {
		t.Fatalf("MessageType = %v, want Ack", ack.MessageType())
	}
}

func decodeDHCPv4(t *testing.T, frame []byte) *dhcpv4.DHCPv4 {
	t.Helper()
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true})
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		t.Fatalf("reply has no UDP layer")
	}
	msg, err := dhcpv4.FromBytes(udp.Payload)
	if err != nil {
		t.Fatalf("dhcpv4.FromBytes: %v", err)
	}
	return msg
}

// TestICMPv4EchoIdempotent covers property 6 in spec.md §8: replaying
// the identical echo request produces the identical reply.
func TestICMPv4EchoIdempotent(t *testing.T) {
	nic := testNIC()
	eth := &layers.Ethernet{SrcMAC: guestMAC[:], DstMAC: GatewayMAC[:], EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolICMPv4, SrcIP: nic.IPv4Address, DstIP: GatewayIPv4}
	icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: 7, Seq: 1}
	frame := serialize(t, eth, ip, icmp, gopacket.Payload([]byte("ping")))

	reply1, ok := ICMPv4Echo(nic, frame)
	if !ok {
		t.Fatalf("ICMPv4Echo: want a reply, got none")
	}
	reply2, ok := ICMPv4Echo(nic, frame)
	if !ok {
		t.Fatalf("ICMPv4Echo (replay): want a reply, got none")
	}
	if string(reply1) != string(reply2) {
		t.Errorf("replies differ between identical requests")
	}
}

// TestRouterAdvertisementDNSFlag covers scenario S3: the O bit tracks
// whether any DNS servers are configured for the NIC.
func TestRouterAdvertisementDNSFlag(t *testing.T) {
	nic := testNIC()
	eth := &layers.Ethernet{SrcMAC: guestMAC[:], DstMAC: net.HardwareAddr{0x33, 0x33, 0x00, 0x00, 0x00, 0x02}, EthernetType: layers.EthernetTypeIPv6}
	ip := &layers.IPv6{Version: 6, HopLimit: 255, NextHeader: layers.IPProtocolICMPv6, SrcIP: net.ParseIP("fe80::2"), DstIP: net.ParseIP("ff02::2")}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeRouterSolicitation, 0)}
	icmp.SetNetworkLayerForChecksum(ip)
	frame := serialize(t, eth, ip, icmp, gopacket.Payload(make([]byte, 4)))

	reply, ok := RouterAdvertisement(nic, frame)
	if !ok {
		t.Fatalf("RouterAdvertisement: want a reply, got none")
	}
	pkt := gopacket.NewPacket(reply, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true})
	replyICMP, ok := pkt.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
	if !ok || replyICMP.TypeCode.Type() != layers.ICMPv6TypeRouterAdvertisement {
		t.Fatalf("reply is not a Router Advertisement")
	}

	nicNoDNS := nic
	nicNoDNS.DNSServers = nil
	reply2, ok := RouterAdvertisement(nicNoDNS, frame)
	if !ok {
		t.Fatalf("RouterAdvertisement (no DNS): want a reply, got none")
	}
	if string(reply) == string(reply2) {
		t.Errorf("O flag should differ between DNS-configured and DNS-absent NICs")
	}
}
