package synth

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ICMPv4Echo replies to an echo request addressed to the gateway's
// IPv4 address, copying id/seq/data back with TTL 64.
func ICMPv4Echo(nic NicConfig, frame []byte) ([]byte, bool) {
	gw := nic.gatewayV4()
	if gw == nil {
		return nil, false
	}

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	ip, ok := ipLayer.(*layers.IPv4)
	if !ok || !ip.DstIP.Equal(gw) {
		return nil, false
	}
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv4)
	req, ok := icmpLayer.(*layers.ICMPv4)
	if !ok || req.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		return nil, false
	}

	reply := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       req.Id,
		Seq:      req.Seq,
	}
	return buildICMPv4Frame(GatewayMAC, nic.MAC, gw, ip.SrcIP, reply, req.Payload)
}

// ICMPv6Echo replies to an echo request addressed to the gateway's
// IPv6 address, copying id/seq/data back with hop limit 255 — the
// required value for link-local ICMPv6 traffic.
func ICMPv6Echo(nic NicConfig, frame []byte) ([]byte, bool) {
	gw := nic.gatewayV6()
	if gw == nil {
		return nil, false
	}

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ipLayer := pkt.Layer(layers.LayerTypeIPv6)
	ip, ok := ipLayer.(*layers.IPv6)
	if !ok || !ip.DstIP.Equal(gw) {
		return nil, false
	}
	icmpLayer := pkt.Layer(layers.LayerTypeICMPv6)
	req, ok := icmpLayer.(*layers.ICMPv6)
	if !ok || req.TypeCode.Type() != layers.ICMPv6TypeEchoRequest {
		return nil, false
	}

	echoLayer := pkt.Layer(layers.LayerTypeICMPv6Echo)
	echo, ok := echoLayer.(*layers.ICMPv6Echo)
	if !ok {
		return nil, false
	}

	reply := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoReply, 0),
	}
	replyEcho := &layers.ICMPv6Echo{
		Identifier: echo.Identifier,
		SeqNumber:  echo.SeqNumber,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	eth := &layers.Ethernet{SrcMAC: GatewayMAC[:], DstMAC: nic.MAC[:], EthernetType: layers.EthernetTypeIPv6}
	ip6 := &layers.IPv6{Version: 6, HopLimit: 255, NextHeader: layers.IPProtocolICMPv6, SrcIP: gw, DstIP: ip.SrcIP}
	reply.SetNetworkLayerForChecksum(ip6)

	if err := gopacket.SerializeLayers(buf, opts, eth, ip6, reply, replyEcho, gopacket.Payload(echo.Payload)); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}
