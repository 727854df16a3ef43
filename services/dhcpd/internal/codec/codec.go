// Package codec reads and writes DHCPv4 messages: the fixed BOOTP header,
// the magic cookie and the option TLV list (RFC 2131, RFC 2132).
package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed marks an inbound datagram that cannot be decoded.
	ErrMalformed = errors.New("malformed dhcp message")

	// ErrEncoding marks a reply that cannot be represented on the wire.
	ErrEncoding = errors.New("dhcp encoding failure")
)

const (
	OpBootRequest byte = 1
	OpBootReply   byte = 2

	HardwareTypeEthernet byte = 1

	// MaxDatagramSize bounds what the server reads per datagram.
	MaxDatagramSize = 1024

	// MinMessageLen is the fixed header plus the magic cookie.
	MinMessageLen = headerLen + len(magicCookie)

	// FlagBroadcast is the B bit of the flags field.
	FlagBroadcast uint16 = 0x8000
)

// Header layout.
const (
	offOp      = 0
	offHType   = 1
	offHLen    = 2
	offHops    = 3
	offXID     = 4
	offSecs    = 8
	offFlags   = 10
	offCIAddr  = 12
	offYIAddr  = 16
	offSIAddr  = 20
	offGIAddr  = 24
	offCHAddr  = 28
	offSName   = 44
	offFile    = 108
	offCookie  = 236
	chaddrLen  = 16
	snameLen   = 64
	fileLen    = 128
	headerLen  = 236
	maxOptSize = 255
)

var magicCookie = [4]byte{0x63, 0x82, 0x53, 0x63}

// Option codes used by the server.
const (
	OptionPad                byte = 0
	OptionSubnetMask         byte = 1
	OptionRouter             byte = 3
	OptionDomainNameServer   byte = 6
	OptionDomainName         byte = 15
	OptionNTPServers         byte = 42
	OptionRequestedIP        byte = 50
	OptionIPAddressLeaseTime byte = 51
	OptionDHCPMessageType    byte = 53
	OptionServerIdentifier   byte = 54
	OptionEnd                byte = 255
)

// MessageType is the value of option 53.
type MessageType byte

const (
	MessageTypeDiscover MessageType = 1
	MessageTypeOffer    MessageType = 2
	MessageTypeRequest  MessageType = 3
	MessageTypeDecline  MessageType = 4
	MessageTypeAck      MessageType = 5
	MessageTypeNak      MessageType = 6
	MessageTypeRelease  MessageType = 7
	MessageTypeInform   MessageType = 8
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeDiscover:
		return "DISCOVER"
	case MessageTypeOffer:
		return "OFFER"
	case MessageTypeRequest:
		return "REQUEST"
	case MessageTypeDecline:
		return "DECLINE"
	case MessageTypeAck:
		return "ACK"
	case MessageTypeNak:
		return "NAK"
	case MessageTypeRelease:
		return "RELEASE"
	case MessageTypeInform:
		return "INFORM"
	case 0:
		return "NONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}
