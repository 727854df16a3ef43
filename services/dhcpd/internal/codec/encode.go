package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"time"
)

// ReplyOptions carries the network configuration advertised in every reply.
type ReplyOptions struct {
	SubnetMask net.IPMask
	Router     net.IP
	DNS        []net.IP
	DomainName string
	NTP        []net.IP
	LeaseTime  time.Duration

	// Optional. ServerID adds option 54; NextServer and BootFileName fill
	// siaddr and file for network boot clients.
	ServerID     net.IP
	NextServer   net.IP
	BootFileName string
}

// EncodeOffer builds a DHCPOFFER assigning ip to mac.
func EncodeOffer(mac net.HardwareAddr, ip net.IP, opts *ReplyOptions) ([]byte, error) {
	return EncodeReply(&Message{HType: HardwareTypeEthernet, CHAddr: mac}, MessageTypeOffer, ip, opts)
}

// EncodeAck builds a DHCPACK assigning ip to mac.
func EncodeAck(mac net.HardwareAddr, ip net.IP, opts *ReplyOptions) ([]byte, error) {
	return EncodeReply(&Message{HType: HardwareTypeEthernet, CHAddr: mac}, MessageTypeAck, ip, opts)
}

// EncodeReply builds a BOOTREPLY answering req. The transaction id, flags,
// relay address and client hardware address are copied from req; ip goes
// into yiaddr. Options are written in a fixed order: message type, subnet
// mask, router, DNS, lease time, domain name, NTP, server identifier, end.
func EncodeReply(req *Message, msgType MessageType, ip net.IP, opts *ReplyOptions) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrEncoding)
	}
	if opts == nil {
		return nil, fmt.Errorf("%w: nil reply options", ErrEncoding)
	}
	if len(req.CHAddr) == 0 || len(req.CHAddr) > chaddrLen {
		return nil, fmt.Errorf("%w: hardware address length %d", ErrEncoding, len(req.CHAddr))
	}
	yiaddr, err := ipv4Bytes(ip)
	if err != nil {
		return nil, fmt.Errorf("assigned address: %w", err)
	}

	buf := make([]byte, MinMessageLen, MinMessageLen+64)
	buf[offOp] = OpBootReply
	buf[offHType] = req.HType
	if buf[offHType] == 0 {
		buf[offHType] = HardwareTypeEthernet
	}
	buf[offHLen] = byte(len(req.CHAddr))
	binary.BigEndian.PutUint32(buf[offXID:], req.XID)
	binary.BigEndian.PutUint16(buf[offFlags:], req.Flags)
	copy(buf[offYIAddr:offYIAddr+4], yiaddr)
	if req.GIAddr != nil {
		giaddr, err := ipv4Bytes(req.GIAddr)
		if err != nil {
			return nil, fmt.Errorf("relay address: %w", err)
		}
		copy(buf[offGIAddr:offGIAddr+4], giaddr)
	}
	if opts.NextServer != nil {
		siaddr, err := ipv4Bytes(opts.NextServer)
		if err != nil {
			return nil, fmt.Errorf("next server: %w", err)
		}
		copy(buf[offSIAddr:offSIAddr+4], siaddr)
	}
	copy(buf[offCHAddr:offCHAddr+chaddrLen], req.CHAddr)
	if err := checkBootFileName(opts.BootFileName); err != nil {
		return nil, err
	}
	copy(buf[offFile:offFile+fileLen], opts.BootFileName)
	copy(buf[offCookie:], magicCookie[:])

	w := optionWriter{buf: buf}
	w.writeOptions(msgType, opts)
	if w.err != nil {
		return nil, w.err
	}
	w.buf = append(w.buf, OptionEnd, 0)
	return w.buf, nil
}

// Validate reports whether every reply built from o can be encoded. It
// applies the same limits as EncodeReply: IPv4 addresses only, at most 255
// bytes per option (63 DNS or NTP servers), an ASCII domain name and a boot
// file name shorter than 128 bytes.
func (o *ReplyOptions) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil reply options", ErrEncoding)
	}
	if o.NextServer != nil {
		if _, err := ipv4Bytes(o.NextServer); err != nil {
			return fmt.Errorf("next server: %w", err)
		}
	}
	if err := checkBootFileName(o.BootFileName); err != nil {
		return err
	}
	var w optionWriter
	w.writeOptions(MessageTypeOffer, o)
	return w.err
}

func checkBootFileName(name string) error {
	if len(name) >= fileLen {
		return fmt.Errorf("%w: boot file name is %d bytes", ErrEncoding, len(name))
	}
	return nil
}

type optionWriter struct {
	buf []byte
	err error
}

func (w *optionWriter) writeOptions(msgType MessageType, opts *ReplyOptions) {
	w.put(OptionDHCPMessageType, []byte{byte(msgType)})
	w.putIPs(OptionSubnetMask, []net.IP{net.IP(opts.SubnetMask)})
	w.putIPs(OptionRouter, []net.IP{opts.Router})
	w.putIPs(OptionDomainNameServer, opts.DNS)
	w.putLeaseTime(opts.LeaseTime)
	if opts.DomainName != "" {
		w.putASCII(OptionDomainName, opts.DomainName)
	}
	if len(opts.NTP) > 0 {
		w.putIPs(OptionNTPServers, opts.NTP)
	}
	if opts.ServerID != nil {
		w.putIPs(OptionServerIdentifier, []net.IP{opts.ServerID})
	}
}

func (w *optionWriter) put(code byte, value []byte) {
	if w.err != nil {
		return
	}
	if len(value) > maxOptSize {
		w.err = fmt.Errorf("%w: option %d value is %d bytes", ErrEncoding, code, len(value))
		return
	}
	w.buf = append(w.buf, code, byte(len(value)))
	w.buf = append(w.buf, value...)
}

func (w *optionWriter) putIPs(code byte, ips []net.IP) {
	if w.err != nil {
		return
	}
	value := make([]byte, 0, 4*len(ips))
	for _, ip := range ips {
		b, err := ipv4Bytes(ip)
		if err != nil {
			w.err = fmt.Errorf("option %d: %w", code, err)
			return
		}
		value = append(value, b...)
	}
	w.put(code, value)
}

func (w *optionWriter) putLeaseTime(d time.Duration) {
	secs := d / time.Second
	if secs < 0 || int64(secs) > math.MaxUint32 {
		if w.err == nil {
			w.err = fmt.Errorf("%w: lease time %s out of range", ErrEncoding, d)
		}
		return
	}
	value := make([]byte, 4)
	binary.BigEndian.PutUint32(value, uint32(secs))
	w.put(OptionIPAddressLeaseTime, value)
}

func (w *optionWriter) putASCII(code byte, s string) {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7f {
			if w.err == nil {
				w.err = fmt.Errorf("%w: option %d is not ASCII", ErrEncoding, code)
			}
			return
		}
	}
	w.put(code, []byte(s))
}

func ipv4Bytes(ip net.IP) ([]byte, error) {
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("%w: %v is not an IPv4 address", ErrEncoding, ip)
	}
	return v4, nil
}
