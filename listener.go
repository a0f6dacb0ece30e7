package agi

import (
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HandlerFunc is a function which accepts a Channel right after its
// connection is accepted, before the header block may have been consumed; a
// handler that needs CallMetadata waits for EventReady itself. It is the
// application-level entry point a FastAGI server binds per accepted
// connection.
type HandlerFunc func(*Channel)

// Listen binds addr and spawns one Channel per accepted TCP connection,
// handing each to handler. This is the out-of-scope external listener
// collaborator from SPEC_FULL §1: its only contract with the core is
// accepting a fresh byte stream and letting the Channel emit its own
// lifecycle events. It does not itself interpret AGI.
func Listen(addr string, opts Options, handler HandlerFunc) error {
	if addr == "" {
		addr = "localhost:4573"
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "failed to bind fastagi listener")
	}
	defer func() { _ = l.Close() }()

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("fastagi listener started", zap.String("addr", addr))

	for {
		conn, err := l.Accept()
		if err != nil {
			return errors.Wrap(err, "failed to accept tcp connection")
		}

		go handler(NewConn(conn, opts))
	}
}
