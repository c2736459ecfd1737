package tls

import (
	"context"
	"net"

	"google.golang.org/grpc/credentials"
)

// alpnHTTP2 is required by gRPC peers.
const alpnHTTP2 = "h2"

// transportCredentials adapts an Engine to gRPC.
type transportCredentials struct {
	engine     *Engine
	serverName string
}

// TransportCredentials returns gRPC transport credentials performing the
// engine's handshakes. Sessions created this way are tracked like any other.
func (e *Engine) TransportCredentials() credentials.TransportCredentials {
	return &transportCredentials{engine: e}
}

// ClientHandshake implements credentials.TransportCredentials.
func (c *transportCredentials) ClientHandshake(
	ctx context.Context,
	authority string,
	rawConn net.Conn,
) (net.Conn, credentials.AuthInfo, error) {
	if c.engine.mode != ModeClient {
		return nil, nil, c.engine.fail(newError(KindConnect, ErrWrongMode))
	}

	serverName := c.serverName
	if serverName == "" {
		serverName = authority
		if host, _, err := net.SplitHostPort(authority); err == nil {
			serverName = host
		}
	}

	return c.handshake(ctx, rawConn, serverName)
}

// ServerHandshake implements credentials.TransportCredentials.
func (c *transportCredentials) ServerHandshake(rawConn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	if c.engine.mode != ModeServer {
		return nil, nil, c.engine.fail(newError(KindAccept, ErrWrongMode))
	}
	return c.handshake(context.Background(), rawConn, "")
}

func (c *transportCredentials) handshake(
	ctx context.Context,
	rawConn net.Conn,
	serverName string,
) (net.Conn, credentials.AuthInfo, error) {
	s, err := c.engine.newSession(rawConn, serverName, []string{alpnHTTP2})
	if err != nil {
		return nil, nil, err
	}
	if err := s.Handshake(ctx); err != nil {
		return nil, nil, err
	}

	info := credentials.TLSInfo{
		State: s.ConnectionState(),
		CommonAuthInfo: credentials.CommonAuthInfo{
			SecurityLevel: credentials.PrivacyAndIntegrity,
		},
	}
	return s, info, nil
}

// Info implements credentials.TransportCredentials.
func (c *transportCredentials) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{
		SecurityProtocol: "tls",
		SecurityVersion:  TLSVersionName(c.engine.config.MinVersion),
		ServerName:       c.serverName,
	}
}

// Clone implements credentials.TransportCredentials.
func (c *transportCredentials) Clone() credentials.TransportCredentials {
	clone := *c
	return &clone
}

// OverrideServerName implements credentials.TransportCredentials.
func (c *transportCredentials) OverrideServerName(serverName string) error {
	c.serverName = serverName
	return nil
}
