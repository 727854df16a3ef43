package codec

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawRequest builds a BOOTREQUEST header for testMAC followed by options.
func rawRequest(options ...byte) []byte {
	buf := make([]byte, MinMessageLen)
	buf[offOp] = OpBootRequest
	buf[offHType] = HardwareTypeEthernet
	buf[offHLen] = byte(len(testMAC))
	binary.BigEndian.PutUint32(buf[offXID:], 0x01020304)
	copy(buf[offCHAddr:], testMAC)
	copy(buf[offCookie:], magicCookie[:])
	return append(buf, options...)
}

func TestDecodeLibraryDiscover(t *testing.T) {
	disc, err := dhcpv4.NewDiscovery(testMAC)
	require.NoError(t, err)

	msg, err := Decode(disc.ToBytes())
	require.NoError(t, err)

	assert.Equal(t, OpBootRequest, msg.Op)
	assert.Equal(t, MessageTypeDiscover, msg.MessageType())
	assert.Equal(t, testMAC.String(), msg.CHAddr.String())
	assert.Equal(t, binary.BigEndian.Uint32(disc.TransactionID[:]), msg.XID)
	assert.True(t, msg.IsBroadcast())
}

func TestDecodeLibraryRequest(t *testing.T) {
	req, err := dhcpv4.New(
		dhcpv4.WithHwAddr(testMAC),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeRequest),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(net.ParseIP("192.168.1.7"))),
	)
	require.NoError(t, err)
	req.GatewayIPAddr = net.ParseIP("10.0.0.1")

	msg, err := Decode(req.ToBytes())
	require.NoError(t, err)

	assert.Equal(t, MessageTypeRequest, msg.MessageType())
	assert.Equal(t, "192.168.1.7", msg.RequestedIP().String())
	assert.Equal(t, "10.0.0.1", msg.GIAddr.String())
}

func TestDecodeFindsMessageTypeAnywhere(t *testing.T) {
	data := rawRequest(
		0, 0,
		12, 4, 'h', 'o', 's', 't',
		61, 7, 1, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
		53, 1, 3,
		255,
	)

	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeRequest, msg.MessageType())
	assert.Equal(t, uint32(0x01020304), msg.XID)

	host, ok := msg.Options.Get(12)
	require.True(t, ok)
	assert.Equal(t, "host", string(host))
}

func TestDecodeWithoutMessageType(t *testing.T) {
	msg, err := Decode(rawRequest(255))
	require.NoError(t, err)
	assert.Equal(t, MessageType(0), msg.MessageType())
	assert.Nil(t, msg.RequestedIP())
}

func TestDecodeIgnoresBytesAfterEnd(t *testing.T) {
	msg, err := Decode(rawRequest(53, 1, 1, 255, 53, 200))
	require.NoError(t, err)
	assert.Equal(t, MessageTypeDiscover, msg.MessageType())
}

func TestDecodeConcatenatesRepeatedOptions(t *testing.T) {
	opts, err := ParseOptions([]byte{15, 3, 'f', 'o', 'o', 15, 4, '.', 'c', 'o', 'm', 255})
	require.NoError(t, err)
	assert.Equal(t, "foo.com", string(opts[15]))
}

func TestDecodeMalformed(t *testing.T) {
	badCookie := rawRequest(53, 1, 1, 255)
	badCookie[offCookie] = 0

	zeroHLen := rawRequest(53, 1, 1, 255)
	zeroHLen[offHLen] = 0

	longHLen := rawRequest(53, 1, 1, 255)
	longHLen[offHLen] = 17

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "short header", data: make([]byte, 100)},
		{name: "cookie missing", data: rawRequest()[:MinMessageLen-1]},
		{name: "bad cookie", data: badCookie},
		{name: "zero hlen", data: zeroHLen},
		{name: "hlen too long", data: longHLen},
		{name: "option without length", data: rawRequest(53)},
		{name: "truncated option", data: rawRequest(53, 4, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode(tt.data)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Nil(t, msg)
		})
	}
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "DISCOVER", MessageTypeDiscover.String())
	assert.Equal(t, "ACK", MessageTypeAck.String())
	assert.Equal(t, "NONE", MessageType(0).String())
	assert.Equal(t, "UNKNOWN(42)", MessageType(42).String())
}
