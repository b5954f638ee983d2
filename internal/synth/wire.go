package synth

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// buildUDPv4Frame assembles a complete Ethernet/IPv4/UDP reply frame.
// Every synthesizer's reply goes through here (or its v6/ICMP
// equivalents) so checksums and lengths are always computed — spec.md
// §4.3 requires a *complete* reply, never a partial write.
func buildUDPv4Frame(srcMAC, dstMAC [6]byte, srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) ([]byte, bool) {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC[:],
		DstMAC:       dstMAC[:],
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP.To4(),
		DstIP:    dstIP.To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

// buildUDPv6Frame assembles a complete Ethernet/IPv6/UDP reply frame,
// computing the IPv6 pseudo-header checksum — mandatory for UDP over
// IPv6 per spec.md §4.3's DHCPv6 notes (a zero checksum is invalid).
func buildUDPv6Frame(srcMAC, dstMAC [6]byte, srcIP, dstIP net.IP, srcPort, dstPort uint16, payload []byte) ([]byte, bool) {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC[:],
		DstMAC:       dstMAC[:],
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   255,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      srcIP,
		DstIP:      dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

// buildICMPv6Frame assembles a complete Ethernet/IPv6/ICMPv6 reply
// frame with the pseudo-header checksum computed.
func buildICMPv6Frame(srcMAC, dstMAC [6]byte, srcIP, dstIP net.IP, hopLimit uint8, icmp *layers.ICMPv6, payload []byte) ([]byte, bool) {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC[:],
		DstMAC:       dstMAC[:],
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   hopLimit,
		NextHeader: layers.IPProtocolICMPv6,
		SrcIP:      srcIP,
		DstIP:      dstIP,
	}
	icmp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	layersToSerialize := []gopacket.SerializableLayer{eth, ip, icmp}
	if payload != nil {
		if err := gopacket.SerializeLayers(buf, opts, append(layersToSerialize, gopacket.Payload(payload))...); err != nil {
			return nil, false
		}
	} else {
		if err := gopacket.SerializeLayers(buf, opts, layersToSerialize...); err != nil {
			return nil, false
		}
	}
	return buf.Bytes(), true
}

// buildICMPv4Frame assembles a complete Ethernet/IPv4/ICMPv4 reply frame.
func buildICMPv4Frame(srcMAC, dstMAC [6]byte, srcIP, dstIP net.IP, icmp *layers.ICMPv4, payload []byte) ([]byte, bool) {
	eth := &layers.Ethernet{
		SrcMAC:       srcMAC[:],
		DstMAC:       dstMAC[:],
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    srcIP.To4(),
		DstIP:    dstIP.To4(),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, icmp, gopacket.Payload(payload)); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}
