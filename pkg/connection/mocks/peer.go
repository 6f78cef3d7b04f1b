// Package mocks provides testify mocks for the connection package.
package mocks

import (
	"github.com/stretchr/testify/mock"
)

// Peer is a mock of connection.Peer. It does not import the connection
// package so in-package tests can use it.
type Peer struct {
	mock.Mock
}

// NewPeer creates a Peer mock whose expectations are asserted when the
// test finishes.
func NewPeer(t interface {
	mock.TestingT
	Cleanup(func())
}) *Peer {
	m := &Peer{}
	m.Mock.Test(t)
	t.Cleanup(func() { m.AssertExpectations(t) })
	return m
}

// NewConnectedPeer creates a Peer mock with the given id that stays
// connected and accepts any Send.
func NewConnectedPeer(t interface {
	mock.TestingT
	Cleanup(func())
}, id uint64) *Peer {
	m := NewPeer(t)
	m.On("ID").Return(id).Maybe()
	m.On("Connected").Return(true).Maybe()
	m.On("Disconnect").Return(nil).Maybe()
	m.On("Send", mock.Anything).Return(nil).Maybe()
	return m
}

// ID provides a mock function.
func (m *Peer) ID() uint64 {
	args := m.Called()
	return args.Get(0).(uint64)
}

// Connected provides a mock function.
func (m *Peer) Connected() bool {
	args := m.Called()
	return args.Bool(0)
}

// Disconnect provides a mock function.
func (m *Peer) Disconnect() error {
	args := m.Called()
	return args.Error(0)
}

// Send provides a mock function.
func (m *Peer) Send(packet []byte) error {
	args := m.Called(packet)
	return args.Error(0)
}
