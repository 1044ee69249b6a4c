// RTMP callback

package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const JWT_EXPIRATION_TIME_SECONDS = 120

// sendEventCallback POSTs a signed event to the configured callback URL.
// Returns the response, or nil when no callback is configured or the
// request failed.
func (s *RTMPSession) sendEventCallback(claims jwt.MapClaims) (*http.Response, bool) {
	JWT_SECRET := os.Getenv("JWT_SECRET")
	CALLBACK_URL := os.Getenv("CALLBACK_URL")

	if CALLBACK_URL == "" {
		return nil, true // No callback
	}

	subject := os.Getenv("CUSTOM_JWT_SUBJECT")
	if subject == "" {
		subject = "rtmp_event"
	}

	claims["sub"] = subject
	claims["exp"] = time.Now().Unix() + JWT_EXPIRATION_TIME_SECONDS

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenb64, e := token.SignedString([]byte(JWT_SECRET))
	if e != nil {
		LogError(e)
		return nil, false
	}

	client := &http.Client{}

	req, e := http.NewRequest("POST", CALLBACK_URL, nil)
	if e != nil {
		LogError(e)
		return nil, false
	}

	req.Header.Set("rtmp-event", tokenb64)

	res, e := client.Do(req)
	if e != nil {
		LogError(e)
		return nil, false
	}

	if res.StatusCode != 200 {
		LogDebugSession(s.id, s.ip, "Callback request ended with status code: "+fmt.Sprint(res.StatusCode))
		return nil, false
	}

	return res, true
}

// SendStartCallback validates the publish attempt against the callback
// endpoint. A 200 response accepts it and may assign a stream id.
func (s *RTMPSession) SendStartCallback() bool {
	LogDebugSession(s.id, s.ip, "Callback event: START | Channel: "+s.channel)

	res, ok := s.sendEventCallback(jwt.MapClaims{
		"event":     "start",
		"channel":   s.channel,
		"key":       s.key,
		"client_ip": s.ip,
	})

	if !ok {
		return false
	}

	if res != nil {
		s.stream_id = res.Header.Get("stream-id")
		LogDebugSession(s.id, s.ip, "Stream ID: "+s.stream_id)
	}

	return true
}

// SendStopCallback notifies the callback endpoint that publishing ended.
func (s *RTMPSession) SendStopCallback() bool {
	LogDebugSession(s.id, s.ip, "Callback event: STOP | Channel: "+s.channel)

	_, ok := s.sendEventCallback(jwt.MapClaims{
		"event":     "stop",
		"channel":   s.channel,
		"key":       s.key,
		"stream_id": s.stream_id,
		"client_ip": s.ip,
	})

	return ok
}
