package shield

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// PEMKeyMaterial loads a client certificate and its key from PEM files. The
// files are read on every call so rotated material is picked up.
type PEMKeyMaterial struct {
	Certificate string
	Key         string
}

func (m PEMKeyMaterial) KeyManagers() ([]tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(m.Certificate, m.Key)
	if err != nil {
		return nil, fmt.Errorf("load key pair [%s]: %w", m.Certificate, err)
	}
	return []tls.Certificate{cert}, nil
}

func (m PEMKeyMaterial) FilesToWatch() []string {
	var out []string
	for _, p := range []string{m.Key, m.Certificate} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PEMTrustMaterial trusts the certificates of PEM encoded CA files.
type PEMTrustMaterial struct {
	Authorities []string
}

func (m PEMTrustMaterial) TrustManagers() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, p := range m.Authorities {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read certificate authority: %w", err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates in [%s]", p)
		}
	}
	return pool, nil
}

func (m PEMTrustMaterial) FilesToWatch() []string { return append([]string(nil), m.Authorities...) }
