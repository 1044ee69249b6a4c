// Websocket frame transport
//
// Thin delivery layer between a fan-out queue consumer and a websocket
// viewer. The first message is a JSON descriptor of the published
// substreams; every frame follows as a binary message:
//
//	[pts u64 BE][flags u8][payload]
//
// flags bit 0: video frame, bit 1: keyframe. A lag signal is forwarded as
// a JSON text message so the client can resynchronize.

package main

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

const MSE_WRITE_TIMEOUT = 10 * time.Second

const (
	MSE_FLAG_VIDEO    = 1 << 0
	MSE_FLAG_KEYFRAME = 1 << 1
)

type mseVideoDescriptor struct {
	Codec   string `json:"codec"`
	Width   uint32 `json:"width"`
	Height  uint32 `json:"height"`
	Profile byte   `json:"profile"`
	Compat  byte   `json:"compat"`
	Level   byte   `json:"level"`
	SPS     string `json:"sps"`
	PPS     string `json:"pps"`
}

type mseAudioDescriptor struct {
	Codec      string `json:"codec"`
	SampleRate uint32 `json:"sampleRate"`
	SampleBits byte   `json:"sampleBits"`
	Channels   uint32 `json:"channels"`
}

type mseDescriptorMessage struct {
	Type  string              `json:"type"`
	Video *mseVideoDescriptor `json:"video,omitempty"`
	Audio *mseAudioDescriptor `json:"audio,omitempty"`
}

type mseLaggedMessage struct {
	Type   string `json:"type"`
	Lagged uint64 `json:"lagged"`
}

func buildMseDescriptor(video *Stream, audio *Stream) mseDescriptorMessage {
	msg := mseDescriptorMessage{Type: "descriptor"}

	if video != nil && video.Codec.Video != nil {
		v := video.Codec.Video
		msg.Video = &mseVideoDescriptor{
			Codec:   video.Codec.Name,
			Width:   v.Width,
			Height:  v.Height,
			Profile: v.ProfileIndication,
			Compat:  v.ProfileCompatibility,
			Level:   v.LevelIndication,
			SPS:     base64.StdEncoding.EncodeToString(v.SPS),
			PPS:     base64.StdEncoding.EncodeToString(v.PPS),
		}
	}

	if audio != nil && audio.Codec.Audio != nil {
		a := audio.Codec.Audio
		msg.Audio = &mseAudioDescriptor{
			Codec:      audio.Codec.Name,
			SampleRate: a.SampleRate,
			SampleBits: a.SampleBits,
			Channels:   a.Channels,
		}
	}

	return msg
}

func encodeMseFrame(frame *Frame) []byte {
	b := make([]byte, 9+len(frame.Payload))

	binary.BigEndian.PutUint64(b[0:8], frame.Time.PTS)

	if frame.IsVideo() {
		b[8] |= MSE_FLAG_VIDEO
	}
	if frame.IsKeyframe() {
		b[8] |= MSE_FLAG_KEYFRAME
	}

	copy(b[9:], frame.Payload)

	return b
}

// serveMseTransport pumps a queue consumer into a websocket until either
// side goes away.
func serveMseTransport(conn *websocket.Conn, queue *MediaFrameQueue) {
	receiver := queue.GetReceiver()

	defer func() {
		receiver.Close()
		conn.Close()
	}()

	// Drain client messages so close frames and pings are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				receiver.Close()
				return
			}
		}
	}()

	video, audio := queue.Streams()
	descriptor, err := json.Marshal(buildMseDescriptor(video, audio))
	if err != nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(MSE_WRITE_TIMEOUT)) //nolint:errcheck
	if err := conn.WriteMessage(websocket.TextMessage, descriptor); err != nil {
		return
	}

	for {
		frame, err := receiver.Recv()

		var lagged *LaggedError
		if errors.As(err, &lagged) {
			msg, e := json.Marshal(mseLaggedMessage{Type: "lagged", Lagged: lagged.Count})
			if e != nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(MSE_WRITE_TIMEOUT)) //nolint:errcheck
			if conn.WriteMessage(websocket.TextMessage, msg) != nil {
				return
			}
			continue
		}

		if err != nil {
			// End of stream
			conn.SetWriteDeadline(time.Now().Add(MSE_WRITE_TIMEOUT))                                                                     //nolint:errcheck
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))        //nolint:errcheck
			return
		}

		conn.SetWriteDeadline(time.Now().Add(MSE_WRITE_TIMEOUT)) //nolint:errcheck
		if conn.WriteMessage(websocket.BinaryMessage, encodeMseFrame(&frame)) != nil {
			return
		}
	}
}
