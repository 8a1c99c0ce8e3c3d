// Package certauthority maintains the proxy's root CA key/certificate pair
// and mints per-hostname leaf certificates for TLS interception on demand.
package certauthority

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/revamp-proxy/revampd/internal/logutil"
)

// RootCommonName is the stable CN on the generated root certificate.
const RootCommonName = "Revamp Proxy CA"

const (
	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
)

// Authority mints per-hostname leaf certificates signed by a single root
// key, persisted under certDir. Leaf certs are cached in memory for the
// process lifetime; cross-process restarts mint fresh leaves.
type Authority struct {
	certDir string
	logger  *slog.Logger

	mu         sync.RWMutex
	rootCert   *x509.Certificate
	rootKey    *ecdsa.PrivateKey
	rootCertDER []byte
	rootCertPEM []byte

	leavesMu sync.RWMutex
	leaves   map[string]*tls.Certificate
}

// New creates an Authority rooted at certDir. Callers must call EnsureRoot
// before minting leaves.
func New(certDir string, logger *slog.Logger) *Authority {
	return &Authority{
		certDir: certDir,
		logger:  logutil.OrDefault(logger),
		leaves:  make(map[string]*tls.Certificate),
	}
}

// EnsureRoot loads the root key/cert pair from certDir, generating and
// persisting a new one if absent. A read failure on an existing key is
// fatal; a write failure on first generation is fatal.
func (a *Authority) EnsureRoot() error {
	certPath := filepath.Join(a.certDir, "ca.crt")
	keyPath := filepath.Join(a.certDir, "ca.key")

	if cert, key, err := loadRoot(certPath, keyPath); err == nil {
		a.mu.Lock()
		a.rootCert = cert
		a.rootKey = key
		a.rootCertDER = cert.Raw
		a.rootCertPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
		a.mu.Unlock()
		a.logger.Info("loaded existing root CA", "cert_file", certPath)
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("load root CA: %w", err)
	}

	a.logger.Info("generating root CA", "cert_file", certPath)
	cert, key, certDER, certPEM, err := generateRoot()
	if err != nil {
		return fmt.Errorf("generate root CA: %w", err)
	}
	if err := persistRoot(a.certDir, certPath, keyPath, key, certDER); err != nil {
		return fmt.Errorf("write root CA: %w", err)
	}

	a.mu.Lock()
	a.rootCert = cert
	a.rootKey = key
	a.rootCertDER = certDER
	a.rootCertPEM = certPEM
	a.mu.Unlock()
	return nil
}

// loadRoot reads an existing root key/cert pair from disk.
func loadRoot(certPath, keyPath string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certBytes, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, err
	}
	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}

	certBlock, _ := pem.Decode(certBytes)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("invalid PEM in %s", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyBytes)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("invalid PEM in %s", keyPath)
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root key: %w", err)
	}

	return cert, key, nil
}

// generateRoot creates a fresh self-signed root key/cert pair.
func generateRoot() (*x509.Certificate, *ecdsa.PrivateKey, []byte, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Revamp Proxy"},
			CommonName:   RootCommonName,
		},
		NotBefore:             now,
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("create root cert: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("parse generated root cert: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	return cert, key, certDER, certPEM, nil
}

// persistRoot writes the root key/cert pair to certDir.
func persistRoot(certDir, certPath, keyPath string, key *ecdsa.PrivateKey, certDER []byte) error {
	if err := os.MkdirAll(certDir, 0o700); err != nil {
		return err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return os.WriteFile(keyPath, keyPEM, 0o600)
}

// GetRootCertBytes returns the root certificate PEM, for the portal's
// cert-download endpoint.
func (a *Authority) GetRootCertBytes() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rootCertPEM
}

// LeafFor returns a cached leaf certificate for hostname, minting and
// caching one signed by the root if none exists yet. Repeated calls for the
// same hostname return the identical cached artifact for the process
// lifetime.
func (a *Authority) LeafFor(hostname string) (*tls.Certificate, error) {
	a.leavesMu.RLock()
	if leaf, ok := a.leaves[hostname]; ok {
		a.leavesMu.RUnlock()
		return leaf, nil
	}
	a.leavesMu.RUnlock()

	leaf, err := a.mintLeaf(hostname)
	if err != nil {
		return nil, err
	}

	a.leavesMu.Lock()
	if existing, ok := a.leaves[hostname]; ok {
		a.leavesMu.Unlock()
		return existing, nil
	}
	a.leaves[hostname] = leaf
	a.leavesMu.Unlock()

	return leaf, nil
}

func (a *Authority) mintLeaf(hostname string) (*tls.Certificate, error) {
	a.mu.RLock()
	rootCert := a.rootCert
	rootKey := a.rootKey
	a.mu.RUnlock()

	if rootCert == nil || rootKey == nil {
		return nil, fmt.Errorf("root CA not initialized; call EnsureRoot first")
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate leaf serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Revamp Proxy"},
			CommonName:   hostname,
		},
		NotBefore:             now,
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(hostname); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	} else {
		template.DNSNames = append(template.DNSNames, hostname)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, rootCert, &key.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("create leaf cert for %s: %w", hostname, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal leaf key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("build leaf tls.Certificate for %s: %w", hostname, err)
	}
	return &tlsCert, nil
}

// LeafCount reports how many hostnames have a cached leaf, for diagnostics.
func (a *Authority) LeafCount() int {
	a.leavesMu.RLock()
	defer a.leavesMu.RUnlock()
	return len(a.leaves)
}
