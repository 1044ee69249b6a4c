// TLS certificate loading for the web listener

package main

import (
	"crypto/tls"
	"os"
	"sync"
	"time"
)

// SslCertificateLoader keeps a certificate pair loaded and re-reads it
// from disk when the files change, so renewals do not require a restart.
type SslCertificateLoader struct {
	certPath string
	keyPath  string

	cert   *tls.Certificate
	certMu *sync.Mutex

	lastLoaded time.Time

	certModTime time.Time
	keyModTime  time.Time

	checkReloadSeconds int
}

// Creates certificate loader, loading the pair for the first time
func NewSslCertificateLoader(certPath string, keyPath string, checkReloadSeconds int) (*SslCertificateLoader, error) {
	statCert, err := os.Stat(certPath)
	if err != nil {
		return nil, err
	}

	statKey, err := os.Stat(keyPath)
	if err != nil {
		return nil, err
	}

	cer, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}

	loader := &SslCertificateLoader{
		certPath:           certPath,
		keyPath:            keyPath,
		cert:               &cer,
		certMu:             &sync.Mutex{},
		lastLoaded:         time.Now(),
		certModTime:        statCert.ModTime(),
		keyModTime:         statKey.ModTime(),
		checkReloadSeconds: checkReloadSeconds,
	}

	return loader, nil
}

// GetCertificate returns the current certificate, reloading it if the
// files on disk changed since the last check.
func (l *SslCertificateLoader) GetCertificate() *tls.Certificate {
	l.certMu.Lock()
	defer l.certMu.Unlock()

	if time.Since(l.lastLoaded) >= time.Duration(l.checkReloadSeconds)*time.Second {
		l.lastLoaded = time.Now()
		l.checkReload()
	}

	return l.cert
}

func (l *SslCertificateLoader) checkReload() {
	statCert, err := os.Stat(l.certPath)
	if err != nil {
		LogError(err)
		return
	}

	statKey, err := os.Stat(l.keyPath)
	if err != nil {
		LogError(err)
		return
	}

	if statCert.ModTime().Equal(l.certModTime) && statKey.ModTime().Equal(l.keyModTime) {
		return
	}

	cer, err := tls.LoadX509KeyPair(l.certPath, l.keyPath)
	if err != nil {
		LogError(err)
		return
	}

	LogInfo("[SSL] Certificate reloaded from " + l.certPath)

	l.cert = &cer
	l.certModTime = statCert.ModTime()
	l.keyModTime = statKey.ModTime()
}
