package main

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	socksVersion5 = 0x05

	socksCmdConnect = 0x01

	socksAddrIPv4   = 0x01
	socksAddrDomain = 0x03
	socksAddrIPv6   = 0x04
)

// Reply frames written by the dynamic forward. The success frame always
// reports a bound address of 0.0.0.0:0.
var (
	socksReplyNoAuth              = []byte{0x05, 0x00}
	socksReplyGeneralFailure      = []byte{0x05, 0x01}
	socksReplyCmdNotSupported     = []byte{0x05, 0x07}
	socksReplyAddrTypeUnsupported = []byte{0x05, 0x08}
	socksReplySuccess             = []byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
)

var errSOCKSProtocol = errors.New("socks5 protocol violation")

// socksRequestError is a rejected connect request together with the reply
// the client must receive before the socket is closed. A nil reply means
// close silently.
type socksRequestError struct {
	reply  []byte
	reason string
}

func (e *socksRequestError) Error() string {
	return "socks5: " + e.reason
}

func (e *socksRequestError) Cause() error {
	return errSOCKSProtocol
}

func (e *socksRequestError) Unwrap() error {
	return errSOCKSProtocol
}

// parseSOCKSGreeting checks the version byte of the method-selection message.
// The advertised methods are not inspected: no-auth is always selected.
func parseSOCKSGreeting(data []byte) error {
	if len(data) == 0 || data[0] != socksVersion5 {
		return &socksRequestError{reason: "unsupported version"}
	}
	return nil
}

// parseSOCKSConnect parses a CONNECT request and returns the requested
// destination.
func parseSOCKSConnect(data []byte) (string, int, error) {
	if len(data) < 2 || data[0] != socksVersion5 || data[1] != socksCmdConnect {
		return "", 0, &socksRequestError{reply: socksReplyCmdNotSupported, reason: "command not supported"}
	}
	if len(data) < 4 {
		return "", 0, &socksRequestError{reason: "truncated request"}
	}

	switch data[3] {
	case socksAddrIPv4:
		if len(data) < 10 {
			return "", 0, &socksRequestError{reason: "truncated IPv4 request"}
		}
		host := fmt.Sprintf("%d.%d.%d.%d", data[4], data[5], data[6], data[7])
		return host, int(binary.BigEndian.Uint16(data[8:10])), nil

	case socksAddrDomain:
		if len(data) < 5 {
			return "", 0, &socksRequestError{reason: "truncated domain request"}
		}
		addrLen := int(data[4])
		if len(data) < 5+addrLen+2 {
			return "", 0, &socksRequestError{reason: "truncated domain request"}
		}
		host := string(data[5 : 5+addrLen])
		return host, int(binary.BigEndian.Uint16(data[5+addrLen : 7+addrLen])), nil

	case socksAddrIPv6:
		if len(data) < 22 {
			return "", 0, &socksRequestError{reason: "truncated IPv6 request"}
		}
		// No zero compression: 8 groups, lowercase hex, no leading zeros.
		groups := make([]string, 0, 8)
		for i := 4; i < 20; i += 2 {
			groups = append(groups, strconv.FormatUint(uint64(binary.BigEndian.Uint16(data[i:i+2])), 16))
		}
		return strings.Join(groups, ":"), int(binary.BigEndian.Uint16(data[20:22])), nil

	default:
		return "", 0, &socksRequestError{reply: socksReplyAddrTypeUnsupported, reason: fmt.Sprintf("address type %#x not supported", data[3])}
	}
}
