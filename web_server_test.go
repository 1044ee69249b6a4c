// Web server tests

package main

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestWebIndex(t *testing.T) {
	ws := CreateWebServer("", CreateStreamRegistry())

	server := httptest.NewServer(ws.buildMux())
	defer server.Close()

	res, err := http.Get(server.URL + "/")
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "streamhead")
}

func TestWebMseUnknownStream(t *testing.T) {
	ws := CreateWebServer("", CreateStreamRegistry())

	server := httptest.NewServer(ws.buildMux())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/transport/mse/nope"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
}

func TestWebMseTransport(t *testing.T) {
	registry := CreateStreamRegistry()
	ws := CreateWebServer("", registry)

	queue := CreateMediaFrameQueue(0)
	queue.PutStreams(testVideoStream, testAudioStream)
	require.True(t, registry.Register("live", queue))

	queue.Push(videoFrame(0, FrameDependencyNone, 0xaa))
	queue.Push(videoFrame(33, FrameDependencyBackwards, 0xbb))
	queue.Close()

	server := httptest.NewServer(ws.buildMux())
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/transport/mse/live"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// First message: the stream descriptor
	msgType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)

	var descriptor mseDescriptorMessage
	require.NoError(t, json.Unmarshal(payload, &descriptor))
	require.Equal(t, "descriptor", descriptor.Type)
	require.NotNil(t, descriptor.Video)
	require.Equal(t, uint32(1280), descriptor.Video.Width)
	require.NotNil(t, descriptor.Audio)
	require.Equal(t, uint32(44100), descriptor.Audio.SampleRate)

	// Then the cached frames as binary messages
	msgType, payload, err = conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)
	require.Equal(t, uint64(0), binary.BigEndian.Uint64(payload[0:8]))
	require.Equal(t, byte(MSE_FLAG_VIDEO|MSE_FLAG_KEYFRAME), payload[8])
	require.Equal(t, []byte{0xaa}, payload[9:])

	msgType, payload, err = conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, msgType)
	require.Equal(t, uint64(33), binary.BigEndian.Uint64(payload[0:8]))
	require.Equal(t, byte(MSE_FLAG_VIDEO), payload[8])

	// Producer is gone: normal close
	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestEncodeMseFrame(t *testing.T) {
	frame := audioFrame(1234, 0x42)

	b := encodeMseFrame(&frame)

	require.Equal(t, uint64(1234), binary.BigEndian.Uint64(b[0:8]))
	require.Equal(t, byte(0), b[8])
	require.Equal(t, []byte{0x42}, b[9:])
}
