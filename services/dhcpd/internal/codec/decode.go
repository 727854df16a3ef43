package codec

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Message is a decoded DHCPv4 datagram. Only the header fields the server
// reads are kept; sname and file are ignored on input.
type Message struct {
	Op      byte
	HType   byte
	Hops    byte
	XID     uint32
	Secs    uint16
	Flags   uint16
	CIAddr  net.IP
	YIAddr  net.IP
	SIAddr  net.IP
	GIAddr  net.IP
	CHAddr  net.HardwareAddr
	Options Options
}

// Options holds option values by code. Repeated codes are concatenated
// (RFC 3396).
type Options map[byte][]byte

// Get returns the value of option code.
func (o Options) Get(code byte) ([]byte, bool) {
	v, ok := o[code]
	return v, ok
}

// MessageType returns option 53, or 0 when it is absent or malformed.
func (m *Message) MessageType() MessageType {
	v, ok := m.Options.Get(OptionDHCPMessageType)
	if !ok || len(v) != 1 {
		return 0
	}
	return MessageType(v[0])
}

// RequestedIP returns option 50 when present.
func (m *Message) RequestedIP() net.IP {
	v, ok := m.Options.Get(OptionRequestedIP)
	if !ok || len(v) != net.IPv4len {
		return nil
	}
	return net.IP(v)
}

// IsBroadcast reports whether the client set the broadcast flag.
func (m *Message) IsBroadcast() bool {
	return m.Flags&FlagBroadcast != 0
}

// Decode parses a datagram. The option list is walked code by code, so the
// position of the message type option does not matter.
func Decode(data []byte) (*Message, error) {
	if len(data) < MinMessageLen {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformed, len(data), MinMessageLen)
	}
	if [4]byte(data[offCookie:offCookie+4]) != magicCookie {
		return nil, fmt.Errorf("%w: bad magic cookie % x", ErrMalformed, data[offCookie:offCookie+4])
	}
	hlen := int(data[offHLen])
	if hlen == 0 || hlen > chaddrLen {
		return nil, fmt.Errorf("%w: hardware address length %d", ErrMalformed, hlen)
	}

	m := &Message{
		Op:     data[offOp],
		HType:  data[offHType],
		Hops:   data[offHops],
		XID:    binary.BigEndian.Uint32(data[offXID:]),
		Secs:   binary.BigEndian.Uint16(data[offSecs:]),
		Flags:  binary.BigEndian.Uint16(data[offFlags:]),
		CIAddr: copyIPv4(data[offCIAddr:]),
		YIAddr: copyIPv4(data[offYIAddr:]),
		SIAddr: copyIPv4(data[offSIAddr:]),
		GIAddr: copyIPv4(data[offGIAddr:]),
		CHAddr: append(net.HardwareAddr(nil), data[offCHAddr:offCHAddr+hlen]...),
	}

	opts, err := ParseOptions(data[MinMessageLen:])
	if err != nil {
		return nil, err
	}
	m.Options = opts
	return m, nil
}

// ParseOptions walks a TLV option list up to the end option or the end of b.
func ParseOptions(b []byte) (Options, error) {
	opts := make(Options)
	for i := 0; i < len(b); {
		code := b[i]
		switch code {
		case OptionPad:
			i++
			continue
		case OptionEnd:
			return opts, nil
		}
		if i+1 >= len(b) {
			return nil, fmt.Errorf("%w: option %d has no length", ErrMalformed, code)
		}
		n := int(b[i+1])
		start, end := i+2, i+2+n
		if end > len(b) {
			return nil, fmt.Errorf("%w: option %d claims %d bytes, %d left", ErrMalformed, code, n, len(b)-start)
		}
		opts[code] = append(opts[code], b[start:end]...)
		i = end
	}
	return opts, nil
}

func copyIPv4(b []byte) net.IP {
	ip := make(net.IP, net.IPv4len)
	copy(ip, b[:net.IPv4len])
	return ip
}
