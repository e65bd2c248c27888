package bridge

import (
	"net"
	"time"

	"github.com/okdaichi/quicbridge/quic"
	"github.com/stretchr/testify/mock"
)

var _ quic.Engine = (*MockEngine)(nil)

// MockEngine is a mock implementation of quic.Engine using testify/mock
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Connect(addr net.Addr, serverName string) (quic.ConnectionID, error) {
	args := m.Called(addr, serverName)
	return args.Get(0).(quic.ConnectionID), args.Error(1)
}

func (m *MockEngine) Ingest(d quic.Datagram) ([]quic.Event, error) {
	args := m.Called(d)
	events, _ := args.Get(0).([]quic.Event)
	return events, args.Error(1)
}

func (m *MockEngine) Poll(now time.Time) []quic.Event {
	args := m.Called(now)
	events, _ := args.Get(0).([]quic.Event)
	return events
}

func (m *MockEngine) NextOutgoing() (quic.Datagram, bool) {
	args := m.Called()
	return args.Get(0).(quic.Datagram), args.Bool(1)
}

func (m *MockEngine) NextTimeout(now time.Time) (time.Duration, bool) {
	args := m.Called(now)
	return args.Get(0).(time.Duration), args.Bool(1)
}

func (m *MockEngine) OpenStream(conn quic.ConnectionID, kind quic.StreamKind) (quic.StreamID, error) {
	args := m.Called(conn, kind)
	return args.Get(0).(quic.StreamID), args.Error(1)
}

func (m *MockEngine) StreamWrite(conn quic.ConnectionID, stream quic.StreamID, p []byte) (int, error) {
	args := m.Called(conn, stream, p)
	return args.Int(0), args.Error(1)
}

func (m *MockEngine) StreamRead(conn quic.ConnectionID, stream quic.StreamID, p []byte) (int, error) {
	args := m.Called(conn, stream, p)
	return args.Int(0), args.Error(1)
}

func (m *MockEngine) ShutdownStream(conn quic.ConnectionID, stream quic.StreamID, dir quic.Direction) error {
	args := m.Called(conn, stream, dir)
	return args.Error(0)
}

func (m *MockEngine) ResetStream(conn quic.ConnectionID, stream quic.StreamID, code quic.StreamErrorCode) error {
	args := m.Called(conn, stream, code)
	return args.Error(0)
}

func (m *MockEngine) CloseConnection(conn quic.ConnectionID, code quic.ApplicationErrorCode, reason string) error {
	args := m.Called(conn, code, reason)
	return args.Error(0)
}

func (m *MockEngine) Capabilities() quic.Capabilities {
	args := m.Called()
	return args.Get(0).(quic.Capabilities)
}

func (m *MockEngine) Close() error {
	args := m.Called()
	return args.Error(0)
}

// idle makes the engine report nothing.
func (m *MockEngine) idle() *MockEngine {
	m.On("Poll", mock.Anything).Return([]quic.Event(nil)).Maybe()
	m.On("NextOutgoing").Return(quic.Datagram{}, false).Maybe()
	m.On("NextTimeout", mock.Anything).Return(time.Duration(0), false).Maybe()
	m.On("Capabilities").Return(quic.Capabilities{}).Maybe()
	m.On("Close").Return(nil).Maybe()
	return m
}
