// Entry point

package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	godotenv.Load() //nolint:errcheck

	LogInfo("Streamhead RTMP ingest server (Version 1.0.0)")

	webAddr := os.Getenv("WEB_BIND_ADDRESS")
	if webAddr == "" {
		webAddr = "0.0.0.0:8080"
	}

	rtmpAddr := os.Getenv("RTMP_BIND_ADDRESS")
	if rtmpAddr == "" {
		rtmpAddr = "127.0.0.1:1935"
	}

	registry := CreateStreamRegistry()

	rtmpServer := CreateRTMPServer(rtmpAddr, registry)
	if rtmpServer == nil {
		os.Exit(1)
	}

	controlConnection := &ControlServerConnection{}
	if controlConnection.Initialize(rtmpServer) {
		rtmpServer.controlConnection = controlConnection
	} else {
		LogInfo("[WS-CONTROL] Not configured. Running in stand-alone mode.")
	}

	go setupRedisCommandReceiver(rtmpServer)

	go rtmpServer.Start()

	webServer := CreateWebServer(webAddr, registry)

	if err := webServer.Start(); err != nil {
		LogError(err)
		os.Exit(1)
	}
}
