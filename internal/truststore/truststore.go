// Package truststore loads TLS trust material for outbound https connections.
package truststore

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pkcs12"
)

// ErrNoTrustMaterial is returned when a trust store path is configured but no
// load from it has ever succeeded.
var ErrNoTrustMaterial = errors.New("truststore: no trust material loaded")

// Source locates trust material.
type Source struct {
	Path     string
	Password string
}

// SourceFunc resolves the current Source. It is called on every Reload so that
// changed settings are picked up.
type SourceFunc func() Source

// Material is one successfully loaded trust configuration. It is immutable.
type Material struct {
	Roots        *x509.CertPool
	Certificates []tls.Certificate // client identity, when the store carries a key
	Path         string
	CertCount    int
	LoadedAt     time.Time
}

// Store holds the active trust material. A failed Reload keeps the previous
// material in place.
type Store struct {
	resolve SourceFunc
	logger  *slog.Logger

	mu         sync.RWMutex
	material   *Material
	configured bool
	lastErr    error
}

// New creates a Store. Nothing is loaded until Reload is called.
func New(resolve SourceFunc, logger *slog.Logger) *Store {
	return &Store{
		resolve: resolve,
		logger:  logger.With("component", "truststore"),
	}
}

// Reload re-reads the trust material from the current source.
//
// An empty path clears the material so the system roots are used. On failure
// the error is returned and the previously loaded material stays active.
func (s *Store) Reload() error {
	src := s.resolve()
	src.Path = strings.TrimSpace(src.Path)

	if src.Path == "" {
		s.mu.Lock()
		s.material = nil
		s.configured = false
		s.lastErr = nil
		s.mu.Unlock()
		s.logger.Info("no trust store configured, using system roots")
		return nil
	}

	m, err := load(src)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.configured = true
	if err != nil {
		s.lastErr = err
		s.logger.Error("trust store reload failed",
			"path", src.Path,
			"err", err,
			"keeping_previous", s.material != nil,
		)
		return err
	}

	s.material = m
	s.lastErr = nil
	s.logger.Info("trust store loaded",
		"path", m.Path,
		"certificates", m.CertCount,
		"client_identity", len(m.Certificates) > 0,
	)
	return nil
}

// Material returns the active material. It returns (nil, nil) when no store is
// configured and ErrNoTrustMaterial when one is configured but never loaded.
func (s *Store) Material() (*Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.material != nil {
		return s.material, nil
	}
	if s.configured {
		if s.lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoTrustMaterial, s.lastErr)
		}
		return nil, ErrNoTrustMaterial
	}
	return nil, nil
}

// LastError returns the error of the most recent Reload, or nil.
func (s *Store) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// TLSConfig builds a client TLS configuration from the active material.
func (s *Store) TLSConfig() (*tls.Config, error) {
	m, err := s.Material()
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if m != nil {
		cfg.RootCAs = m.Roots
		cfg.Certificates = m.Certificates
	}
	return cfg, nil
}

func load(src Source) (*Material, error) {
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("truststore: read %s: %w", src.Path, err)
	}

	var blocks []*pem.Block
	if bytes.Contains(data, []byte("-----BEGIN ")) {
		blocks = decodePEM(data)
	} else {
		blocks, err = pkcs12.ToPEM(data, src.Password)
		if err != nil {
			return nil, fmt.Errorf("truststore: decode %s: %w", src.Path, err)
		}
	}

	m, err := materialFromBlocks(blocks)
	if err != nil {
		return nil, fmt.Errorf("truststore: %s: %w", src.Path, err)
	}
	m.Path = src.Path
	m.LoadedAt = time.Now()
	return m, nil
}

func decodePEM(data []byte) []*pem.Block {
	var blocks []*pem.Block
	for {
		var b *pem.Block
		b, data = pem.Decode(data)
		if b == nil {
			return blocks
		}
		blocks = append(blocks, b)
	}
}

func materialFromBlocks(blocks []*pem.Block) (*Material, error) {
	roots, err := x509.SystemCertPool()
	if err != nil {
		roots = x509.NewCertPool()
	}

	var certPEM, keyPEM []byte
	count := 0
	for _, b := range blocks {
		switch {
		case b.Type == "CERTIFICATE":
			cert, err := x509.ParseCertificate(b.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
			roots.AddCert(cert)
			certPEM = append(certPEM, pem.EncodeToMemory(b)...)
			count++
		case strings.HasSuffix(b.Type, "PRIVATE KEY"):
			if keyPEM == nil {
				keyPEM = pem.EncodeToMemory(b)
			}
		}
	}
	if count == 0 {
		return nil, errors.New("no certificates found")
	}

	m := &Material{Roots: roots, CertCount: count}
	if keyPEM != nil {
		pair, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("client key pair: %w", err)
		}
		m.Certificates = []tls.Certificate{pair}
	}
	return m, nil
}
