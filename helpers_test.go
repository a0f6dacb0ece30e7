package agi

import (
	"bufio"
	"net"
	"testing"
	"time"
)

// astMock plays the Asterisk side of a net.Pipe connection: it reads lines
// written by the Channel under test and lets the test script replies.
type astMock struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newChannelUnderTest(t *testing.T, header string) (*Channel, *astMock) {
	t.Helper()

	serverSide, clientSide := net.Pipe()

	mock := &astMock{t: t, conn: clientSide, r: bufio.NewReader(clientSide)}

	ch := NewConn(serverSide, Options{})

	readyCh := make(chan struct{})
	ch.On(EventReady, func(interface{}) { close(readyCh) })

	go func() {
		_, _ = mock.conn.Write([]byte(header + "\n\n"))
	}()

	select {
	case <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("channel never became ready")
	}

	return ch, mock
}

// nextCommand reads one line (a command written by the Channel) off the wire.
func (m *astMock) nextCommand() string {
	m.t.Helper()
	line, err := m.r.ReadString('\n')
	if err != nil {
		m.t.Fatalf("reading command: %v", err)
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// reply writes a scripted Asterisk response line.
func (m *astMock) reply(line string) {
	m.t.Helper()
	if _, err := m.conn.Write([]byte(line + "\n")); err != nil {
		m.t.Fatalf("writing reply: %v", err)
	}
}

func (m *astMock) hangup() {
	m.t.Helper()
	if _, err := m.conn.Write([]byte("HANGUP\n")); err != nil {
		m.t.Fatalf("writing hangup: %v", err)
	}
}

func (m *astMock) close() {
	_ = m.conn.Close()
}

const testHeader = "agi_network: yes\n" +
	"agi_uniqueid: 1700000000.1\n" +
	"agi_callerid: 5550100\n" +
	"agi_context: default\n" +
	"agi_extension: s\n" +
	"agi_priority: 1"
