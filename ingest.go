// Ingest pipeline driver
//
// Orders the start-up of a publishing session: wait for stream metadata,
// wait until every expected substream has a codec descriptor, then go
// live. Media payloads flow through the frame assembler; once the
// pipeline is streaming, assembled frames drain into the fan-out queue.

package main

type IngestState int

const (
	IngestStateConnecting IngestState = iota
	IngestStateHandshaking
	IngestStateAwaitingMetadata
	IngestStateAwaitingDescriptors
	IngestStateStreaming
	IngestStateClosed
)

func (s IngestState) String() string {
	switch s {
	case IngestStateConnecting:
		return "Connecting"
	case IngestStateHandshaking:
		return "Handshaking"
	case IngestStateAwaitingMetadata:
		return "AwaitingMetadata"
	case IngestStateAwaitingDescriptors:
		return "AwaitingDescriptors"
	case IngestStateStreaming:
		return "Streaming"
	default:
		return "Closed"
	}
}

type ingestPipeline struct {
	state IngestState

	assembler *frameAssembler
	queue     *MediaFrameQueue

	expectVideo bool
	expectAudio bool
}

func createIngestPipeline() *ingestPipeline {
	return &ingestPipeline{
		state:     IngestStateConnecting,
		assembler: createFrameAssembler(),
	}
}

func (p *ingestPipeline) State() IngestState {
	return p.state
}

// OnHandshake marks the transition out of Connecting.
func (p *ingestPipeline) OnHandshake() {
	if p.state == IngestStateConnecting {
		p.state = IngestStateHandshaking
	}
}

// OnPublish attaches the fan-out queue once the publish command has been
// accepted.
func (p *ingestPipeline) OnPublish(queue *MediaFrameQueue) {
	p.queue = queue
	p.state = IngestStateAwaitingMetadata
}

// OnMetadata records which substreams the publisher announced. A missing
// field means the substream is not expected and will not hold up start-up.
func (p *ingestPipeline) OnMetadata(metadata *AMF0Value) {
	if p.state != IngestStateAwaitingMetadata {
		return
	}

	p.expectVideo = metadata.HasProperty("width") || metadata.HasProperty("videocodecid")
	p.expectAudio = metadata.HasProperty("audiosamplerate") || metadata.HasProperty("audiocodecid")

	p.state = IngestStateAwaitingDescriptors
	p.maybeGoLive()
}

// OnVideo ingests a video message. Payloads arriving before metadata are
// dropped.
func (p *ingestPipeline) OnVideo(data []byte, timestamp uint32) error {
	if p.state != IngestStateAwaitingDescriptors && p.state != IngestStateStreaming {
		return nil
	}

	if err := p.assembler.AddVideo(data, timestamp); err != nil {
		return err
	}

	p.maybeGoLive()
	p.drain()

	return nil
}

// OnAudio ingests an audio message.
func (p *ingestPipeline) OnAudio(data []byte, timestamp uint32) error {
	if p.state != IngestStateAwaitingDescriptors && p.state != IngestStateStreaming {
		return nil
	}

	if err := p.assembler.AddAudio(data, timestamp); err != nil {
		return err
	}

	p.maybeGoLive()
	p.drain()

	return nil
}

func (p *ingestPipeline) maybeGoLive() {
	if p.state != IngestStateAwaitingDescriptors {
		return
	}

	if p.expectVideo && p.assembler.VideoStream() == nil {
		return
	}
	if p.expectAudio && p.assembler.AudioStream() == nil {
		return
	}

	p.queue.PutStreams(p.assembler.VideoStream(), p.assembler.AudioStream())
	p.state = IngestStateStreaming
}

func (p *ingestPipeline) drain() {
	if p.state != IngestStateStreaming {
		return
	}

	// Descriptors derived after go-live (e.g. audio when the metadata
	// announced none) still reach the queue.
	p.queue.PutStreams(p.assembler.VideoStream(), p.assembler.AudioStream())

	for {
		frame, ok := p.assembler.NextFrame()
		if !ok {
			return
		}
		p.queue.Push(frame)
	}
}

// Close tears the pipeline down and raises end-of-stream on every queue
// consumer. Safe to call more than once.
func (p *ingestPipeline) Close() {
	if p.state == IngestStateClosed {
		return
	}

	p.state = IngestStateClosed

	if p.queue != nil {
		p.queue.Close()
	}
}
