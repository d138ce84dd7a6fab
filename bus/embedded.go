package bus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer runs an in-process NATS server with JetStream enabled.
// It backs single-binary deployments where no external broker is
// configured, and the test suite.
type EmbeddedServer struct {
	srv *server.Server
}

// StartEmbeddedServer boots an in-process NATS server on a random port
// with JetStream state under storeDir.
func StartEmbeddedServer(storeDir string) (*EmbeddedServer, error) {
	opts := &server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}

	return &EmbeddedServer{srv: ns}, nil
}

// ClientURL returns the URL clients connect to.
func (e *EmbeddedServer) ClientURL() string {
	return e.srv.ClientURL()
}

// Connect opens a client connection to the embedded server.
func (e *EmbeddedServer) Connect() (*nats.Conn, error) {
	return nats.Connect(e.srv.ClientURL())
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}
