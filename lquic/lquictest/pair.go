package lquictest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

// alpn is the application protocol both ends of a test pair negotiate.
const alpn = "loom-test"

// Pair is a connected client/server pair of QUIC connections
// over loopback, for integration tests.
type Pair struct {
	Client *quic.Conn
	Server *quic.Conn
}

// NewPair listens on a loopback UDP port with a self-signed
// certificate, dials it, and returns both ends.
//
// If any step fails, t.Fatal is called.
// t.Cleanup closes everything the pair created.
func NewPair(t *testing.T, ctx context.Context) Pair {
	t.Helper()

	tlsConf := serverTLSConfig(t)

	serverUDP, err := net.ListenUDP("udp", &net.UDPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: 0,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverUDP.Close() })

	serverTr := &quic.Transport{Conn: serverUDP}
	t.Cleanup(func() { _ = serverTr.Close() })

	ln, err := serverTr.Listen(tlsConf, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	clientUDP, err := net.ListenUDP("udp", &net.UDPAddr{
		IP:   net.IPv4(127, 0, 0, 1),
		Port: 0,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientUDP.Close() })

	clientTr := &quic.Transport{Conn: clientUDP}
	t.Cleanup(func() { _ = clientTr.Close() })

	acceptedCh := make(chan *quic.Conn, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptedCh <- conn
	}()

	clientConn, err := clientTr.Dial(ctx, serverUDP.LocalAddr(), &tls.Config{
		// The server certificate is freshly self-signed per test.
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clientConn.CloseWithError(0, "test over") })

	var serverConn *quic.Conn
	select {
	case serverConn = <-acceptedCh:
	case err := <-acceptErrCh:
		t.Fatalf("failed to accept connection: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connection accept")
	}
	t.Cleanup(func() { _ = serverConn.CloseWithError(0, "test over") })

	return Pair{Client: clientConn, Server: serverConn}
}

func serverTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "loom test server"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	require.NoError(t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
		}},
		NextProtos: []string{alpn},
	}
}
