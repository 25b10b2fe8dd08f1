//go:build linux || darwin

package eventhandler

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// writeSelfSignedCert generates a throwaway self-signed certificate for
// 127.0.0.1/localhost and writes the PEM-encoded certificate and PKCS8
// private key into the test's temp dir.
func writeSelfSignedCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return certFile, keyFile
}

// newTestClientHandle dials addr and duplicates the resulting socket into
// a raw Handle suitable for Handler.AddHandle.
func newTestClientHandle(t *testing.T, addr string) Handle {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		t.Fatal("expected a *net.TCPConn")
	}
	f, err := tcp.File()
	if err != nil {
		t.Fatalf("TCPConn.File: %v", err)
	}
	_ = conn.Close()
	t.Cleanup(func() { _ = f.Close() })
	return Handle(f.Fd())
}

// TestTLSLoopback is spec §8 scenario S2: three workers, a TLS server
// with a self-signed certificate and a TLS client in the same process.
// The client sends [1,2,3,4]; the server echoes [5,6,7,8,9]; both
// sides' on_read counts reach 1.
func TestTLSLoopback(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t)

	const threads = 3
	listenerHandles := make([]Handle, threads)
	addrs := make([]string, threads)
	for i := range listenerHandles {
		listenerHandles[i], addrs[i] = newTestListenerHandle(t)
	}

	var serverReads, clientReads atomic.Int32
	var clientGot atomic.Value // []byte

	h, err := New(WithThreads(threads), WithCallbacks(Callbacks{
		OnAccept: func(*ConnectionData, *ConnContext, any) error { return nil },
		OnRead: func(cd *ConnectionData, data []byte, ctx *ConnContext, userData any) error {
			if len(data) == 0 {
				return nil
			}
			if cd.GetAcceptHandle().Valid() {
				// Server side: echo the fixed reply.
				serverReads.Add(1)
				return cd.Write([]byte{5, 6, 7, 8, 9})
			}
			clientReads.Add(1)
			clientGot.Store(append([]byte(nil), data...))
			return nil
		},
		OnClose: func(*ConnectionData, *ConnContext, any) error { return nil },
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := h.AddListenerHandles(listenerHandles, &TLSServerConfig{CertFile: certFile, KeyFile: keyFile}); err != nil {
		t.Fatalf("AddListenerHandles: %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	clientHandle := newTestClientHandle(t, addrs[0])
	cd, err := h.AddHandle(clientHandle, 1, &TLSClientConfig{ServerName: "localhost", RootCAFile: certFile})
	if err != nil {
		t.Fatalf("AddHandle: %v", err)
	}

	if err := cd.Write([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("client Write: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool {
		return serverReads.Load() >= 1 && clientReads.Load() >= 1
	})

	if got := serverReads.Load(); got != 1 {
		t.Fatalf("server on_read count = %d, want 1", got)
	}
	if got := clientReads.Load(); got != 1 {
		t.Fatalf("client on_read count = %d, want 1", got)
	}
	if got, _ := clientGot.Load().([]byte); string(got) != string([]byte{5, 6, 7, 8, 9}) {
		t.Fatalf("client received %v, want [5 6 7 8 9]", got)
	}
}
