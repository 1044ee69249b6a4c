// Web server (viewer endpoints)

package main

import (
	"crypto/tls"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/websocket"
)

const INDEX_PAGE = `<!DOCTYPE html>
<html>
<head><title>streamhead</title></head>
<body>
<h1>streamhead</h1>
<p>Connect a media-source viewer to /transport/mse/{stream}</p>
</body>
</html>
`

type WebServer struct {
	bindAddr string
	registry *StreamRegistry
	upgrader *websocket.Upgrader
}

func CreateWebServer(bindAddr string, registry *StreamRegistry) *WebServer {
	return &WebServer{
		bindAddr: bindAddr,
		registry: registry,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (w *WebServer) handleIndex(rw http.ResponseWriter, req *http.Request) {
	rw.Header().Set("Content-Type", "text/html; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte(INDEX_PAGE)) //nolint:errcheck
}

func (w *WebServer) handleMse(rw http.ResponseWriter, req *http.Request) {
	stream := req.PathValue("stream")

	LogDebug("[WEB] Websocket request for stream '" + stream + "'")

	queue := w.registry.Get(stream)

	conn, err := w.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		LogDebug("[WEB] Upgrade failed: " + err.Error())
		return
	}

	if queue == nil {
		LogDebug("[WEB] No stream at '" + stream + "'")
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "no such stream")) //nolint:errcheck
		conn.Close()
		return
	}

	go serveMseTransport(conn, queue)
}

func (w *WebServer) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", w.handleIndex)
	mux.HandleFunc("GET /transport/mse/{stream}", w.handleMse)
	return mux
}

// Start runs the web listener. Blocks until the listener fails.
func (w *WebServer) Start() error {
	mux := w.buildMux()

	certFile := os.Getenv("SSL_CERT")
	keyFile := os.Getenv("SSL_KEY")

	if certFile != "" && keyFile != "" {
		checkReloadSeconds := 60
		if custom := os.Getenv("SSL_CHECK_RELOAD_SECONDS"); custom != "" {
			if n, e := strconv.Atoi(custom); e == nil && n > 0 {
				checkReloadSeconds = n
			}
		}

		loader, err := NewSslCertificateLoader(certFile, keyFile, checkReloadSeconds)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:    w.bindAddr,
			Handler: mux,
			TLSConfig: &tls.Config{
				GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
					return loader.GetCertificate(), nil
				},
			},
		}

		LogInfo("[WEB] Listening on " + w.bindAddr + " (TLS)")
		return server.ListenAndServeTLS("", "")
	}

	LogInfo("[WEB] Listening on " + w.bindAddr)
	return http.ListenAndServe(w.bindAddr, mux)
}
