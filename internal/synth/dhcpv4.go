package synth

import (
	"bytes"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/insomniacslk/dhcp/dhcpv4"
)

// leaseSeconds is the DHCPv4 lease time offered to every guest. Per
// spec.md §9's recorded decision on lease renewal: the synthesizer is
// stateless, so a REQUEST for the NIC's configured address always
// succeeds regardless of lease history — "the server has no state."
const leaseSeconds = 86400

// DHCPv4 synthesizes DISCOVER→OFFER and REQUEST→ACK/NAK replies. The
// "network" has exactly one peer (the gateway) and one route
// (default), so the subnet mask is /32 and reachability is carried
// entirely by option 121 classless static routes (spec.md §4.3).
func DHCPv4(nic NicConfig, frame []byte) ([]byte, bool) {
	if nic.IPv4Address == nil {
		return nil, false
	}

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	udp, ok := udpLayer.(*layers.UDP)
	if !ok || udp.DstPort != 67 {
		return nil, false
	}

	req, err := dhcpv4.FromBytes(udp.Payload)
	if err != nil {
		return nil, false
	}
	if !bytes.Equal(req.ClientHWAddr, nic.MAC[:]) {
		return nil, false
	}

	gw := nic.gatewayV4()
	yourIP := nic.IPv4Address.To4()

	var reply *dhcpv4.DHCPv4
	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		reply, err = dhcpv4.NewReplyFromRequest(req,
			dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer),
			dhcpv4.WithYourIP(yourIP),
			dhcpv4.WithServerIP(gw),
			dhcpv4.WithNetmask(net.CIDRMask(32, 32)),
			dhcpv4.WithLeaseTime(leaseSeconds),
			dhcpv4.WithRouter(gw),
			dhcpv4.WithDNS(nic.dnsV4()...),
			dhcpv4.WithOption(classlessStaticRoutes(gw)),
		)
	case dhcpv4.MessageTypeRequest:
		requested := req.RequestedIPAddress()
		if requested == nil {
			requested = req.ClientIPAddr
		}
		if requested == nil || !requested.Equal(yourIP) {
			reply, err = dhcpv4.NewReplyFromRequest(req,
				dhcpv4.WithMessageType(dhcpv4.MessageTypeNak),
				dhcpv4.WithServerIP(gw),
			)
		} else {
			reply, err = dhcpv4.NewReplyFromRequest(req,
				dhcpv4.WithMessageType(dhcpv4.MessageTypeAck),
				dhcpv4.WithYourIP(yourIP),
				dhcpv4.WithServerIP(gw),
				dhcpv4.WithNetmask(net.CIDRMask(32, 32)),
				dhcpv4.WithLeaseTime(leaseSeconds),
				dhcpv4.WithRouter(gw),
				dhcpv4.WithDNS(nic.dnsV4()...),
				dhcpv4.WithOption(classlessStaticRoutes(gw)),
			)
		}
	default:
		return nil, false
	}
	if err != nil || reply == nil {
		return nil, false
	}

	dstMAC := nic.MAC
	broadcast := req.IsBroadcast()
	if broadcast {
		dstMAC = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}

	return buildUDPv4Frame(GatewayMAC, dstMAC, gw, broadcastOr(gw, broadcast), 67, 68, reply.ToBytes())
}

// classlessStaticRoutes builds option 121 with the two routes spec.md
// §4.3 requires: the gateway's own /32 (so the client's route to the
// gateway itself doesn't depend on the default route), and 0.0.0.0/0
// via the gateway.
func classlessStaticRoutes(gw net.IP) dhcpv4.Option {
	routes := dhcpv4.Routes{
		{Dest: &net.IPNet{IP: gw, Mask: net.CIDRMask(32, 32)}, Router: net.IPv4zero},
		{Dest: &net.IPNet{IP: net.IPv4zero, Mask: net.CIDRMask(0, 32)}, Router: gw},
	}
	return dhcpv4.OptClasslessStaticRoute(routes...)
}

func broadcastOr(gw net.IP, broadcast bool) net.IP {
	if broadcast {
		return net.IPv4bcast
	}
	return gw
}
