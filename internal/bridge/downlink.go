package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"VoiceBridge/internal/backpressure"
	"VoiceBridge/internal/codec"
	"VoiceBridge/internal/metrics"
	"VoiceBridge/internal/protocol"
)

// onUpstreamEvent 在上游读 goroutine 中运行，只写下行通道
func (b *Bridge) onUpstreamEvent(ev protocol.ServerEvent) {
	id := b.sess.ID()

	switch ev.Kind {
	case protocol.ServerAudioDelta:
		at := ev.ReceivedAt
		if at.IsZero() {
			at = time.Now()
		}
		raw, err := codec.Decode(ev.Delta, b.sess.MediaFormat())
		if err != nil {
			b.logger().Warnf("bad audio delta: %v", err)
			return
		}
		b.deps.Metrics.Record(metrics.LatencyRecord{Hop: metrics.HopDownlinkConvert, Ingress: at, Egress: time.Now()})
		b.pushAudio(codec.Chunk{Payload: raw, CapturedAt: at, Direction: codec.Downlink})

	case protocol.ServerAudioDone:
		b.pushAudio(codec.Chunk{EndOfStream: true, Direction: codec.Downlink})

	case protocol.ServerSpeechStarted:
		// 用户插话，丢弃尚未播放的回复
		if n := len(b.downAudio.Drain()); n > 0 {
			b.logger().Debugf("barge-in discarded %d chunks", n)
		}
		b.pushAudio(codec.Chunk{EndOfStream: true, Direction: codec.Downlink})

	case protocol.ServerInputTranscriptDelta:
		b.pushControl(protocol.SpeechHypothesis(id, ev.Delta))

	case protocol.ServerInputTranscriptCompleted:
		b.pushControl(protocol.SpeechRecognition(id, ev.Transcript))

	case protocol.ServerAudioTranscriptDelta:
		b.pushControl(protocol.ActivityEvent(id, protocol.ActivityTranscript, ev.Delta, nil))

	case protocol.ServerFunctionCallDone:
		b.pushControl(protocol.ActivityEvent(id, protocol.ActivityToolCall, ev.Name, map[string]interface{}{
			"callId":    ev.CallID,
			"arguments": ev.Arguments,
		}))

	case protocol.ServerError:
		reason := "upstream error"
		if ev.Error != nil {
			reason = ev.Error.Message
		}
		b.logger().Warnf("upstream error event: %s", reason)
		b.pushControl(protocol.ProtocolError(id, protocol.ReasonUpstreamError, reason))

	default:
		b.logger().Debugf("upstream event %s", ev.Type)
	}
}

// pushCtx Block 策略下限制等待时间，避免阻塞上游读循环
func (b *Bridge) pushCtx(policy backpressure.Policy) (context.Context, context.CancelFunc) {
	if policy != backpressure.Block {
		return b.ctx, func() {}
	}
	return context.WithTimeout(b.ctx, b.cfg.BlockTimeout)
}

func (b *Bridge) pushAudio(c codec.Chunk) {
	c.Sequence = b.downSeq.Add(1)
	ctx, cancel := b.pushCtx(b.cfg.AudioPolicy)
	defer cancel()
	err := b.downAudio.Push(ctx, c)
	switch {
	case err == nil:
	case errors.Is(err, backpressure.ErrChannelFull), errors.Is(err, context.DeadlineExceeded):
		b.countDrop()
	case errors.Is(err, backpressure.ErrChannelClosed), errors.Is(err, context.Canceled):
	default:
		b.logger().Warnf("downlink audio: %v", err)
	}
}

func (b *Bridge) pushControl(msg *protocol.Outbound) {
	ctx, cancel := b.pushCtx(b.cfg.ControlPolicy)
	defer cancel()
	err := b.downCtrl.Push(ctx, msg)
	switch {
	case err == nil:
	case errors.Is(err, backpressure.ErrChannelFull), errors.Is(err, context.DeadlineExceeded):
		b.deps.Metrics.Inc(metrics.CounterControlRejected)
		b.logger().Warnf("downlink %s rejected: %v", msg.Type, err)
	case errors.Is(err, backpressure.ErrChannelClosed), errors.Is(err, context.Canceled):
	default:
		b.logger().Warnf("downlink %s: %v", msg.Type, err)
	}
}

// playback 下行播放流，只在 pump goroutine 中访问
type playback struct {
	b          *Bridge
	id         string
	formatName string
	format     codec.MediaFormat
	streamID   string
	seq        uint64
}

func (b *Bridge) startPump() {
	if !b.pumpStarted.CompareAndSwap(false, true) {
		return
	}
	p := &playback{
		b:          b,
		id:         b.sess.ID(),
		formatName: b.sess.FormatName(),
		format:     b.sess.MediaFormat(),
	}
	go b.pump(p)
}

func (b *Bridge) stopPump() {
	b.pumpOnce.Do(func() { close(b.pumpStop) })
	if b.pumpStarted.Load() {
		<-b.pumpDone
	}
}

// pump 控制事件优先，音频按到达顺序播放
func (b *Bridge) pump(p *playback) {
	defer close(b.pumpDone)
	defer p.stop()

	for {
		if p.next() {
			continue
		}
		select {
		case <-b.pumpStop:
			return
		case <-b.downCtrl.Ready():
		case <-b.downAudio.Ready():
		}
	}
}

func (p *playback) next() bool {
	b := p.b
	b.pumping.Store(true)
	defer b.pumping.Store(false)

	if msg, ok := b.downCtrl.TryPop(); ok {
		b.send(msg)
		return true
	}

	chunk, ok := b.downAudio.TryPop()
	if !ok {
		return false
	}
	if chunk.EndOfStream {
		p.stop()
		return true
	}

	audio, err := codec.Encode(chunk.Payload, p.format)
	if err != nil {
		b.logger().Warnf("encode downlink chunk: %v", err)
		return true
	}
	if p.streamID == "" {
		p.streamID = uuid.NewString()
		p.seq = 0
		b.send(protocol.PlayStreamStart(p.id, p.streamID, p.formatName))
	}
	p.seq++
	if err := b.send(protocol.PlayStreamChunk(p.id, p.streamID, audio, p.seq)); err != nil {
		return true
	}

	b.chunksOut.Add(1)
	b.deps.Metrics.Inc(metrics.CounterChunksOut)
	b.sess.Touch()
	b.deps.Metrics.Record(metrics.LatencyRecord{Hop: metrics.HopDownlinkEgress, Ingress: chunk.CapturedAt, Egress: time.Now()})
	return true
}

// stop 关闭当前播放流
func (p *playback) stop() {
	if p.streamID == "" {
		return
	}
	p.b.send(protocol.PlayStreamStop(p.id, p.streamID))
	p.streamID = ""
}

// waitDownlink 等待下行通道清空
func (b *Bridge) waitDownlink(ctx context.Context) {
	if !b.pumpStarted.Load() {
		return
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for b.downAudio.Len() > 0 || b.downCtrl.Len() > 0 || b.pumping.Load() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
