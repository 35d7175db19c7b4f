package runtimeprobe

import (
	"context"
	"io"
	"net"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"

	"github.com/ocx/tracer/internal/errs"
)

// MTLSConfig turns on SPIFFE workload-identity mTLS for the probe's
// dial step (SPEC_FULL §4.2's ambient transport-security addition).
// When nil, Start falls back to the plain-TCP dial in spec §6
// unchanged.
type MTLSConfig struct {
	WorkloadAPISocket string
	TrustDomain       string // e.g. "ci.example.internal"
}

// dial opens the connection to addr, authenticating via SPIFFE mTLS
// when mtls is non-nil; any peer identity within the configured trust
// domain is accepted, since the dispatcher fleet rotates per-runner
// identities the probe has no reason to enumerate.
func dial(ctx context.Context, addr string, mtls *MTLSConfig) (net.Conn, error) {
	if mtls == nil {
		return net.Dial("tcp", addr)
	}

	source, err := workloadapi.NewX509Source(ctx, workloadapi.WithClientOptions(
		workloadapi.WithAddr(mtls.WorkloadAPISocket),
	))
	if err != nil {
		return nil, errs.New(errs.Exec, "runtimeprobe.dial", err)
	}

	td, err := spiffeid.TrustDomainFromString(mtls.TrustDomain)
	if err != nil {
		source.Close()
		return nil, errs.New(errs.Exec, "runtimeprobe.dial", err)
	}

	conn, err := spiffetls.DialWithMode(ctx, "tcp", addr,
		spiffetls.MTLSClientWithSource(tlsconfig.AuthorizeMemberOf(td), source))
	if err != nil {
		source.Close()
		return nil, errs.New(errs.Exec, "runtimeprobe.dial", err)
	}
	return &sourceClosingConn{Conn: conn, source: source}, nil
}

// sourceClosingConn closes the backing X.509 source alongside the
// connection, so a probe that dials many times doesn't leak workload
// API subscriptions.
type sourceClosingConn struct {
	net.Conn
	source io.Closer
}

func (c *sourceClosingConn) Close() error {
	err := c.Conn.Close()
	c.source.Close()
	return err
}
