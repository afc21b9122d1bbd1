package p2psync

import (
	"errors"
	"io"
	"net"

	"github.com/pageledger/ledger/pkg/p2pwire"
)

// Listen binds addr and accepts connections as peers: each connection's
// remote address becomes its PeerID, inbound frames are read with
// p2pwire.ReadFrame and dispatched via HandleEnvelope, and outbound
// envelopes queued through Connect's SendFunc are written back with
// p2pwire.WriteFrame. The returned listener's Close stops accepting new
// connections; connections already accepted run until the peer disconnects
// or the frame stream errors.
func (m *Mesh) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go m.acceptLoop(ln)
	return ln, nil
}

func (m *Mesh) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go m.serveConn(conn)
	}
}

func (m *Mesh) serveConn(conn net.Conn) {
	peer := PeerID(conn.RemoteAddr().String())
	m.Connect(peer, func(env p2pwire.Envelope) error {
		return p2pwire.WriteFrame(conn, env)
	})
	defer func() {
		m.Disconnect(peer)
		_ = conn.Close()
	}()

	for {
		env, err := p2pwire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Warn().Err(err).Str("peer", string(peer)).Msg("p2p connection read failed")
			}
			return
		}
		m.HandleEnvelope(peer, env)
	}
}
