package forwarder

import (
	"bufio"
	"errors"
)

// errNotTLS and errNoSNI mirror the teacher's internal/proxy/tcp sentinel
// errors: peeking a ClientHello off the wire without terminating TLS so
// a plain-TCP proxy can still label its telemetry with the SNI.
var (
	errNotTLS = errors.New("forwarder: not a TLS connection")
	errNoSNI  = errors.New("forwarder: no SNI in ClientHello")
)

// peekClientHelloSNI reads the TLS record + handshake header from br via
// Peek (never consuming bytes), so the same *bufio.Reader can still be
// handed to tls.Server or to a raw splice afterward.
func peekClientHelloSNI(br *bufio.Reader) (string, error) {
	header, err := br.Peek(5)
	if err != nil {
		return "", err
	}
	if header[0] != 0x16 {
		return "", errNotTLS
	}

	recordLen := int(header[3])<<8 | int(header[4])
	if recordLen > 16384 {
		return "", errNotTLS
	}

	data, err := br.Peek(5 + recordLen)
	if err != nil {
		return "", err
	}
	return extractSNI(data[5:])
}

func extractSNI(data []byte) (string, error) {
	if len(data) < 42 || data[0] != 0x01 {
		return "", errNoSNI
	}

	pos := 38 // handshake type(1) + length(3) + version(2) + random(32)

	if pos >= len(data) {
		return "", errNoSNI
	}
	sessionIDLen := int(data[pos])
	pos += 1 + sessionIDLen

	if pos+2 > len(data) {
		return "", errNoSNI
	}
	cipherSuitesLen := int(data[pos])<<8 | int(data[pos+1])
	pos += 2 + cipherSuitesLen

	if pos >= len(data) {
		return "", errNoSNI
	}
	compMethodsLen := int(data[pos])
	pos += 1 + compMethodsLen

	if pos+2 > len(data) {
		return "", errNoSNI
	}
	extensionsLen := int(data[pos])<<8 | int(data[pos+1])
	pos += 2

	extensionsEnd := pos + extensionsLen
	if extensionsEnd > len(data) {
		extensionsEnd = len(data)
	}

	for pos+4 <= extensionsEnd {
		extType := int(data[pos])<<8 | int(data[pos+1])
		extLen := int(data[pos+2])<<8 | int(data[pos+3])
		pos += 4
		if pos+extLen > len(data) {
			break
		}
		if extType == 0 {
			return parseSNIExtension(data[pos : pos+extLen])
		}
		pos += extLen
	}

	return "", errNoSNI
}

func parseSNIExtension(data []byte) (string, error) {
	if len(data) < 5 {
		return "", errNoSNI
	}
	listLen := int(data[0])<<8 | int(data[1])
	if listLen > len(data)-2 {
		return "", errNoSNI
	}

	pos := 2
	for pos+3 <= len(data) {
		nameType := data[pos]
		nameLen := int(data[pos+1])<<8 | int(data[pos+2])
		pos += 3
		if pos+nameLen > len(data) {
			return "", errNoSNI
		}
		if nameType == 0 {
			return string(data[pos : pos+nameLen]), nil
		}
		pos += nameLen
	}
	return "", errNoSNI
}
