package synth

import (
	"bytes"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ARP synthesizes a reply to an ARP request for the virtual gateway's
// IPv4 address. Per spec.md §4.3: any request whose target protocol
// address is not the gateway address is ignored (property 7 in §8) —
// there is no broadcast flooding and no neighbor discovery, because
// the gateway is the only other "host" on this NIC's private L2.
func ARP(nic NicConfig, frame []byte) ([]byte, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	arpLayer := pkt.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return nil, false
	}
	arp, ok := arpLayer.(*layers.ARP)
	if !ok || arp.Operation != layers.ARPRequest {
		return nil, false
	}

	gw := nic.gatewayV4()
	if gw == nil || !bytes.Equal(arp.DstProtAddress, []byte(gw)) {
		return nil, false
	}

	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	eth, ok := ethLayer.(*layers.Ethernet)
	if !ok {
		return nil, false
	}

	replyEth := &layers.Ethernet{
		SrcMAC:       net6(GatewayMAC),
		DstMAC:       eth.SrcMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	replyARP := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   GatewayMAC[:],
		SourceProtAddress: []byte(gw.To4()),
		DstHwAddress:      arp.SourceHwAddress,
		DstProtAddress:    arp.SourceProtAddress,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, replyEth, replyARP); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func net6(mac [6]byte) []byte {
	return mac[:]
}
