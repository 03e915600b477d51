package udpdriver

// DropOutgoing makes c skip the first transmission of the Reliable packets
// selected by drop, leaving their delivery to retransmission.
func DropOutgoing(c *Client, drop func(seq uint32) bool) {
	c.dropOutgoing = drop
}
