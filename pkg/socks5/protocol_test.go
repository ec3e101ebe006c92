package socks5

import (
	"bytes"
	"errors"
	"testing"
)

func TestMethodNegotiationWireFormat(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMethodNegotiation(&buf); err != nil {
		t.Fatalf("WriteMethodNegotiation: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), []byte{0x05, 0x01, 0x02}) {
		t.Fatalf("wire bytes = %x, want 05 01 02", buf.Bytes())
	}

	ok, err := ReadMethodNegotiation(&buf)
	if err != nil {
		t.Fatalf("ReadMethodNegotiation: %v", err)
	}
	if !ok {
		t.Fatal("expected MethodUserPass to be offered")
	}
}

func TestMethodSelectionAcceptReject(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMethodSelection(&buf, true); err != nil {
		t.Fatalf("WriteMethodSelection: %v", err)
	}
	if err := ReadMethodSelection(&buf); err != nil {
		t.Fatalf("ReadMethodSelection (accept): %v", err)
	}

	buf.Reset()
	if err := WriteMethodSelection(&buf, false); err != nil {
		t.Fatalf("WriteMethodSelection: %v", err)
	}
	if err := ReadMethodSelection(&buf); !errors.Is(err, ErrMethodRejected) {
		t.Fatalf("ReadMethodSelection (reject) = %v, want ErrMethodRejected", err)
	}
}

func TestUserPassAuthRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteUserPassAuth(&buf, "testuser", "testpass"); err != nil {
		t.Fatalf("WriteUserPassAuth: %v", err)
	}
	user, pass, err := ReadUserPassAuth(&buf)
	if err != nil {
		t.Fatalf("ReadUserPassAuth: %v", err)
	}
	if user != "testuser" || pass != "testpass" {
		t.Fatalf("got user=%q pass=%q", user, pass)
	}
}

func TestAuthReplySuccessFailure(t *testing.T) {
	var buf bytes.Buffer
	WriteAuthReply(&buf, true)
	if err := ReadAuthReply(&buf); err != nil {
		t.Fatalf("ReadAuthReply (success): %v", err)
	}

	buf.Reset()
	WriteAuthReply(&buf, false)
	if err := ReadAuthReply(&buf); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("ReadAuthReply (failure) = %v, want ErrAuthFailed", err)
	}
}

// TestConnectHandshakeWireFormat pins the literal scenario from the spec:
// CONNECT to 10.11.12.13:80 carries exactly 05 01 00 01 0A 0B 0C 0D 00 50.
func TestConnectHandshakeWireFormat(t *testing.T) {
	var buf bytes.Buffer
	ip := [4]byte{10, 11, 12, 13}
	if err := WriteConnectRequest(&buf, ip, 80); err != nil {
		t.Fatalf("WriteConnectRequest: %v", err)
	}

	want := []byte{0x05, 0x01, 0x00, 0x01, 0x0A, 0x0B, 0x0C, 0x0D, 0x00, 0x50}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("wire bytes = % x, want % x", buf.Bytes(), want)
	}

	gotIP, gotPort, err := ReadConnectRequest(&buf)
	if err != nil {
		t.Fatalf("ReadConnectRequest: %v", err)
	}
	if gotIP != ip || gotPort != 80 {
		t.Fatalf("got ip=%v port=%d", gotIP, gotPort)
	}
}

func TestConnectReplyRejection(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteConnectReply(&buf, 0x01, [4]byte{}, 0); err != nil {
		t.Fatalf("WriteConnectReply: %v", err)
	}

	_, _, err := ReadConnectReply(&buf)
	var rejected *ConnectRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("ReadConnectReply = %v, want *ConnectRejected", err)
	}
	if rejected.Status != 0x01 {
		t.Fatalf("rejected.Status = %#x, want 0x01", rejected.Status)
	}
}

func TestConnectReplySuccessBeginsWithExpectedBytes(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteConnectReply(&buf, StatusSucceeded, [4]byte{0, 0, 0, 0}, 0); err != nil {
		t.Fatalf("WriteConnectReply: %v", err)
	}
	wire := buf.Bytes()
	if !bytes.HasPrefix(wire, []byte{0x05, 0x00, 0x00, 0x01}) {
		t.Fatalf("reply = % x, want prefix 05 00 00 01", wire)
	}
}

func TestReadConnectRequestRejectsNonIPv4(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x05, 0x01, 0x00, 0x03})
	if _, _, err := ReadConnectRequest(buf); !errors.Is(err, ErrUnsupportedAddr) {
		t.Fatalf("err = %v, want ErrUnsupportedAddr", err)
	}
}
