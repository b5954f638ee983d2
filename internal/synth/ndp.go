package synth

import (
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	ndpOptSourceLinkLayer = 1
	ndpOptTargetLinkLayer = 2
	ndpOptPrefixInfo      = 3
	ndpOptMTU             = 5

	routerLifetimeSeconds = 1800
)

// RouterAdvertisement replies to a Router Solicitation (ICMPv6 type
// 133) with a Router Advertisement (134). M=1 always (addresses are
// DHCPv6-managed); O=1 iff DNS servers are configured, matching
// scenario S3 in spec.md §8. When the NIC carries a /64 IPv6 prefix,
// a Prefix Information option with the Autonomous flag is also
// included — a SLAAC fallback carried over from
// original_source/mvirt-one/src/utils/network/slaac.rs, additive to
// (not a replacement for) the DHCPv6-managed path spec.md mandates.
func RouterAdvertisement(nic NicConfig, frame []byte) ([]byte, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv6)
	icmp, ok := icmpLayer.(*layers.ICMPv6)
	if !ok || icmp.TypeCode.Type() != layers.ICMPv6TypeRouterSolicitation {
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

	gw := nic.gatewayV6()
	hasDNS := len(nic.DNSServers) > 0

	flags := uint8(0x80) // M=1
	if hasDNS {
		flags |= 0x40 // O=1
	}

	body := make([]byte, 0, 32)
	// Hop Limit (1), Flags (1), Router Lifetime (2)
	body = append(body, 64, flags)
	body = appendU16(body, routerLifetimeSeconds)
	// Reachable Time (4), Retrans Timer (4)
	body = appendU32(body, 0)
	body = appendU32(body, 0)
	// Source Link-Layer Address option
	body = append(body, ndpOptSourceLinkLayer, 1)
	body = append(body, GatewayMAC[:]...)
	// MTU option
	body = append(body, ndpOptMTU, 1, 0, 0)
	body = appendU32(body, uint32(nic.mtu()))

	if nic.IPv6Address != nil && nic.IPv6PrefixLen == 64 {
		body = append(body, ndpOptPrefixInfo, 4)
		body = append(body, 64)                 // prefix length
		body = append(body, 0xC0)               // On-link(L)=1, Autonomous(A)=1
		body = appendU32(body, 2592000)         // valid lifetime 30d
		body = appendU32(body, 604800)          // preferred lifetime 7d
		body = appendU32(body, 0)               // reserved
		prefix := nic.IPv6Address.To16()
		body = append(body, prefix[:8]...)
		body = append(body, make([]byte, 8)...) // network prefix only, interface id zeroed
	}

	reply := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeRouterAdvertisement, 0)}
	replyEth := &layers.Ethernet{SrcMAC: GatewayMAC[:], DstMAC: eth.SrcMAC, EthernetType: layers.EthernetTypeIPv6}
	replyIP := &layers.IPv6{Version: 6, HopLimit: 255, NextHeader: layers.IPProtocolICMPv6, SrcIP: gw, DstIP: ip.SrcIP}
	reply.SetNetworkLayerForChecksum(replyIP)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, replyEth, replyIP, reply, gopacket.Payload(body)); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

// NeighborAdvertisement replies to a Neighbor Solicitation (135) for
// the gateway's own address with a solicited+override Neighbor
// Advertisement (136) carrying the gateway MAC. Any other target is
// ignored — there is no neighbor cache to populate and no other
// neighbor to discover (spec.md §4.3).
func NeighborAdvertisement(nic NicConfig, frame []byte) ([]byte, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv6)
	icmp, ok := icmpLayer.(*layers.ICMPv6)
	if !ok || icmp.TypeCode.Type() != layers.ICMPv6TypeNeighborSolicitation {
		return nil, false
	}
	nsLayer := pkt.Layer(layers.LayerTypeICMPv6NeighborSolicitation)
	ns, ok := nsLayer.(*layers.ICMPv6NeighborSolicitation)
	if !ok {
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

	gw := nic.gatewayV6()
	if !ns.TargetAddress.Equal(gw) {
		return nil, false
	}

	body := make([]byte, 0, 24)
	// Flags (4 bytes): Router=0, Solicited=1, Override=1
	body = appendU32(body, 0x60000000)
	body = append(body, gw.To16()...)
	body = append(body, ndpOptTargetLinkLayer, 1)
	body = append(body, GatewayMAC[:]...)

	reply := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborAdvertisement, 0)}
	replyEth := &layers.Ethernet{SrcMAC: GatewayMAC[:], DstMAC: eth.SrcMAC, EthernetType: layers.EthernetTypeIPv6}
	replyIP := &layers.IPv6{Version: 6, HopLimit: 255, NextHeader: layers.IPProtocolICMPv6, SrcIP: gw, DstIP: ip.SrcIP}
	reply.SetNetworkLayerForChecksum(replyIP)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, replyEth, replyIP, reply, gopacket.Payload(body)); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
