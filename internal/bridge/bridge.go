package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"VoiceBridge/internal/backpressure"
	"VoiceBridge/internal/codec"
	"VoiceBridge/internal/logger"
	"VoiceBridge/internal/metrics"
	"VoiceBridge/internal/protocol"
	"VoiceBridge/internal/session"
	"VoiceBridge/internal/store"
	"VoiceBridge/internal/upstream"
)

var (
	ErrBridgeClosed   = errors.New("bridge closed")
	ErrNoDownstream   = errors.New("no downstream attached")
	ErrNotResumable   = errors.New("session cannot be resumed in its current state")
	ErrAlreadyRunning = errors.New("bridge already running")
)

const recordTimeout = 2 * time.Second

// envelope 一条待处理的下游原始消息
type envelope struct {
	raw    []byte
	binary bool
	at     time.Time
}

type signalKind int

const (
	sigHandshake signalKind = iota
	sigUpstreamFailed
	sigDrained
	sigShutdown
	sigDetached
)

// signal 异步结果回送给 Run 循环
type signal struct {
	kind   signalKind
	err    error
	reason string
}

// Counters 单通呼叫的计数
type Counters struct {
	ChunksIn       uint64 `json:"chunks_in"`
	ChunksOut      uint64 `json:"chunks_out"`
	ChunksDropped  uint64 `json:"chunks_dropped"`
	FormatMismatch uint64 `json:"format_mismatch"`
}

// Bridge 一通呼叫的双向桥接
// 会话状态只由 Run 循环修改；上游事件和下行播放在各自的 goroutine 中运行
type Bridge struct {
	cfg  Config
	deps Deps
	sess *session.Session
	log  atomic.Pointer[logger.Logger]

	upMu sync.RWMutex
	up   Upstream

	downMu sync.RWMutex
	down   Downstream

	inbox   chan envelope
	signals chan signal
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool

	// 以下字段只在 Run 循环中访问
	registered    bool
	turnDetection bool
	upSeq         uint64
	upSeqSet      bool
	endReason     string

	// 下行：音频按策略淘汰，控制事件不淘汰
	downAudio   *backpressure.Channel[codec.Chunk]
	downCtrl    *backpressure.Channel[*protocol.Outbound]
	downSeq     atomic.Uint64
	pumpStop    chan struct{}
	pumpDone    chan struct{}
	pumpOnce    sync.Once
	pumpStarted atomic.Bool
	pumping     atomic.Bool

	terminalSent atomic.Bool
	teardownOnce sync.Once

	onTransition session.TransitionHandler

	chunksIn   atomic.Uint64
	chunksOut  atomic.Uint64
	dropped    atomic.Uint64
	mismatches atomic.Uint64
}

// New 为一条下游连接创建处于 Idle 状态的桥接
func New(cfg Config, deps Deps, down Downstream) *Bridge {
	deps.withDefaults()
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 64
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultConfig().BlockTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:      cfg,
		deps:     deps,
		sess:     session.New(),
		down:     down,
		inbox:    make(chan envelope, cfg.InboxSize),
		signals:  make(chan signal, 8),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		pumpStop: make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	b.log.Store(logger.New("bridge"))
	b.sess.SetTransitionHandler(b.handleTransition)

	b.downAudio = backpressure.New[codec.Chunk](cfg.ChannelCapacity, cfg.AudioPolicy,
		backpressure.WithDropHandler(func(codec.Chunk) { b.countDrop() }),
		backpressure.WithEvictable(func(c codec.Chunk) bool { return !c.EndOfStream }))
	b.downCtrl = backpressure.New[*protocol.Outbound](cfg.ChannelCapacity, cfg.ControlPolicy)

	return b
}

// SetTransitionHandler 设置状态迁移回调，需在 Run 之前调用
func (b *Bridge) SetTransitionHandler(h session.TransitionHandler) {
	b.onTransition = h
}

// Run 处理循环，直到会话 Closed 或 ctx 取消
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(b.done)

	tick := b.cfg.InactivityTimeout / 4
	if tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for b.sess.State() != session.StateClosed {
		select {
		case <-ctx.Done():
			b.teardown("shutdown")
			return ctx.Err()
		case env := <-b.inbox:
			b.handle(env)
		case sig := <-b.signals:
			b.handleSignal(sig)
		case now := <-ticker.C:
			b.checkInactivity(now)
		}
	}
	return nil
}

// Deliver 投递一条下游消息，按到达顺序处理
func (b *Bridge) Deliver(ctx context.Context, raw []byte, binary bool) error {
	select {
	case <-b.done:
		return ErrBridgeClosed
	default:
	}

	env := envelope{raw: raw, binary: binary, at: time.Now()}
	select {
	case b.inbox <- env:
		return nil
	case <-b.done:
		return ErrBridgeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reattach 下游重连后替换连接，旧连接被关闭
func (b *Bridge) Reattach(down Downstream) error {
	switch b.sess.State() {
	case session.StateActive, session.StateStreaming:
	default:
		return ErrNotResumable
	}

	b.downMu.Lock()
	old := b.down
	b.down = down
	b.downMu.Unlock()

	if old != nil && old != down {
		old.Close()
	}
	b.logger().Infof("downstream reattached")
	return nil
}

// Detach 下游连接断开。未发起的会话立即关闭，其余等待恢复或超时
func (b *Bridge) Detach(down Downstream) {
	b.downMu.Lock()
	if b.down != down {
		b.downMu.Unlock()
		return
	}
	b.down = nil
	b.downMu.Unlock()

	b.signal(signal{kind: sigDetached})
}

// Downstream 当前挂接的下游连接，可能为 nil
func (b *Bridge) Downstream() Downstream {
	b.downMu.RLock()
	defer b.downMu.RUnlock()
	return b.down
}

// Close 结束会话并等待关闭完成。已关闭时直接返回
func (b *Bridge) Close(ctx context.Context) error {
	if b.State() == session.StateClosed {
		return nil
	}
	if !b.running.Load() {
		b.teardown("closed")
		return nil
	}

	b.signal(signal{kind: sigShutdown, reason: "shutdown"})
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done Run 循环退出时关闭
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// ID 会话 id，发起前为空
func (b *Bridge) ID() string {
	return b.sess.ID()
}

// State 会话状态
func (b *Bridge) State() session.State {
	return b.sess.State()
}

// MediaFormat 协商好的媒体格式
func (b *Bridge) MediaFormat() codec.MediaFormat {
	return b.sess.MediaFormat()
}

// Counters 计数快照
func (b *Bridge) Counters() Counters {
	return Counters{
		ChunksIn:       b.chunksIn.Load(),
		ChunksOut:      b.chunksOut.Load(),
		ChunksDropped:  b.dropped.Load(),
		FormatMismatch: b.mismatches.Load(),
	}
}

// GetStats 获取会话统计信息
func (b *Bridge) GetStats() map[string]interface{} {
	stats := b.sess.GetStats()
	c := b.Counters()
	stats["chunks_in"] = c.ChunksIn
	stats["chunks_out"] = c.ChunksOut
	stats["chunks_dropped"] = c.ChunksDropped
	stats["format_mismatch"] = c.FormatMismatch
	stats["downlink_queued"] = b.downAudio.Len()

	b.downMu.RLock()
	stats["downstream_attached"] = b.down != nil
	b.downMu.RUnlock()

	if up := b.upstream(); up != nil {
		stats["upstream"] = up.GetStats()
	}
	return stats
}

func (b *Bridge) logger() *logger.Logger {
	return b.log.Load()
}

func (b *Bridge) upstream() Upstream {
	b.upMu.RLock()
	defer b.upMu.RUnlock()
	return b.up
}

func (b *Bridge) signal(s signal) {
	select {
	case b.signals <- s:
	case <-b.done:
	}
}

func (b *Bridge) handleTransition(id string, from, to session.State) {
	b.logger().Infof("state %s -> %s", from, to)
	if h := b.onTransition; h != nil {
		h(id, from, to)
	}
}

// handle 解析、路由并执行一条下游消息
func (b *Bridge) handle(env envelope) {
	msg, err := b.parse(env)
	if err != nil {
		b.reject(err)
		return
	}

	state := b.sess.State()
	if state != session.StateIdle {
		b.sess.Touch()
		if id := msg.Conversation(); id != "" && id != b.sess.ID() {
			b.reject(&protocol.ValidationError{
				Kind:   msg.Kind(),
				Reason: fmt.Sprintf("conversation id %q does not belong to this session", id),
			})
			return
		}
	}

	action := session.Route(state, msg.Kind())
	switch action {
	case session.ActionReject:
		b.rejectOutOfState(state, msg)
	case session.ActionIgnore:
	case session.ActionValidate:
		b.send(protocol.ConnectionValidated())
	case session.ActionInitiate:
		b.initiate(msg.(protocol.SessionInitiate))
	case session.ActionResume:
		b.logger().Infof("session resumed")
		b.send(protocol.SessionAccepted(b.sess.ID(), b.sess.FormatName()))
	case session.ActionStartStream:
		b.startStream()
	case session.ActionChunk:
		b.forwardChunk(msg.(protocol.StreamChunk), env.at)
	case session.ActionStopStream:
		b.stopStream()
	case session.ActionEnd:
		reason := "session-end"
		if m, ok := msg.(protocol.SessionEnd); ok && m.ReasonCode != "" {
			reason = m.ReasonCode
		}
		b.end(reason)
	case session.ActionActivity:
		b.activities(msg.(protocol.Activities))
	}
}

func (b *Bridge) parse(env envelope) (protocol.Inbound, error) {
	if env.binary {
		chunk, err := protocol.ParseBinary(env.raw, b.sess.ID())
		if err != nil {
			return nil, err
		}
		return chunk, nil
	}
	return protocol.Parse(env.raw)
}

// reject 协议错误，状态不变
func (b *Bridge) reject(err error) {
	b.deps.Metrics.Inc(metrics.CounterProtocolErrors)
	b.logger().Warnf("rejected message: %v", err)
	b.send(protocol.ProtocolError(b.sess.ID(), protocol.ReasonProtocolViolation, err.Error()))
}

func (b *Bridge) rejectOutOfState(state session.State, msg protocol.Inbound) {
	if u, ok := msg.(protocol.Unknown); ok {
		b.reject(&protocol.ValidationError{Kind: protocol.KindUnknown, Type: u.RawType(), Reason: "unknown message type"})
		return
	}
	if msg.Kind() == protocol.KindSessionResume && state == session.StateIdle {
		b.deps.Metrics.Inc(metrics.CounterProtocolErrors)
		b.logger().Warnf("resume for unknown conversation %q", msg.Conversation())
		b.send(protocol.SessionError(msg.Conversation(), protocol.ReasonUnknownSession, "conversation not found", false))
		return
	}
	b.reject(&protocol.ValidationError{
		Kind:   msg.Kind(),
		Reason: fmt.Sprintf("%s not allowed in state %s", msg.Kind(), state),
	})
}

// initiate 协商格式、注册会话并开始上游握手
func (b *Bridge) initiate(m protocol.SessionInitiate) {
	id := m.ConversationID
	if id == "" {
		id = uuid.NewString()
	}

	name, format, err := codec.Negotiate(m.SupportedMediaFormats, b.cfg.FormatPreference, b.cfg.SampleRate)
	if err != nil {
		b.logger().Warnf("session %s rejected: %v", id, err)
		b.send(protocol.SessionError(id, protocol.ReasonUnsupportedFormat, "Required media format not supported", false))
		return
	}

	if err := b.deps.Registry.Create(id, b); err != nil {
		b.logger().Warnf("session %s rejected: %v", id, err)
		b.send(protocol.SessionError(id, protocol.ReasonDuplicateSession, err.Error(), false))
		return
	}
	b.registered = true
	b.log.Store(logger.New("bridge").With(id))

	if err := b.sess.Initiate(id, name, format); err != nil {
		b.sendTerminal(protocol.ReasonProtocolViolation, err.Error())
		b.teardown("initiate-failed")
		return
	}
	b.deps.Metrics.Inc(metrics.CounterSessionsTotal)
	b.openRecord()

	cfg := *b.deps.Upstream
	cfg.Format = format
	b.turnDetection = cfg.TurnDetection != ""

	up := b.deps.NewUpstream(&cfg)
	up.SetEventHandler(b.onUpstreamEvent)
	up.SetFailureHandler(func(err error) {
		b.signal(signal{kind: sigUpstreamFailed, err: err})
	})
	up.SetAudioSentHandler(func(c codec.Chunk, sentAt time.Time) {
		b.deps.Metrics.Record(metrics.LatencyRecord{Hop: metrics.HopUplinkEgress, Ingress: c.CapturedAt, Egress: sentAt})
	})
	up.SetDropHandler(func(codec.Chunk) { b.countDrop() })
	up.SetStateChangeHandler(func(oldState, newState upstream.State) {
		b.logger().Infof("upstream %s -> %s", oldState, newState)
		if oldState == upstream.StateReconnecting && newState == upstream.StateConnected {
			b.deps.Metrics.Inc(metrics.CounterReconnects)
		}
	})

	b.upMu.Lock()
	b.up = up
	b.upMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(b.ctx, b.cfg.HandshakeTimeout)
		defer cancel()
		b.signal(signal{kind: sigHandshake, err: up.Connect(ctx)})
	}()
}

func (b *Bridge) handleSignal(sig signal) {
	switch sig.kind {
	case sigHandshake:
		if b.sess.State() != session.StateInitiating {
			return
		}
		if sig.err != nil {
			b.deps.Metrics.Inc(metrics.CounterHandshakeFailures)
			b.logger().Errorf("upstream handshake failed: %v", sig.err)
			b.sendTerminal(protocol.ReasonHandshakeFailed, sig.err.Error())
			b.end("handshake-failed")
			return
		}
		if err := b.sess.Transition(session.StateActive); err != nil {
			b.logger().Errorf("activate: %v", err)
			return
		}
		b.send(protocol.SessionAccepted(b.sess.ID(), b.sess.FormatName()))
		b.startPump()

	case sigUpstreamFailed:
		b.deps.Metrics.Inc(metrics.CounterReconnectFailures)
		b.logger().Errorf("upstream failed: %v", sig.err)
		b.sendTerminal(protocol.ReasonReconnectExhausted, sig.err.Error())
		b.end("reconnect-exhausted")

	case sigDrained:
		b.teardown(b.endReason)

	case sigShutdown:
		b.end(sig.reason)

	case sigDetached:
		if b.sess.State() == session.StateIdle {
			b.teardown("detached")
			return
		}
		b.logger().Infof("downstream detached, waiting for resume")
	}
}

func (b *Bridge) startStream() {
	if err := b.sess.Transition(session.StateStreaming); err != nil {
		b.logger().Errorf("start stream: %v", err)
		return
	}
	b.upSeqSet = false
	b.send(protocol.StreamStarted(b.sess.ID()))
}

// stopStream 等待已入队的音频写出，然后确认流结束
func (b *Bridge) stopStream() {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.DrainTimeout)
	defer cancel()

	if err := b.upstream().Flush(ctx); err != nil {
		b.logger().Warnf("flush before stream stop: %v", err)
	}
	if !b.turnDetection {
		b.sendUpstream(protocol.AudioCommit())
		b.sendUpstream(protocol.ResponseCreate())
	}

	if err := b.sess.Transition(session.StateActive); err != nil {
		b.logger().Errorf("stop stream: %v", err)
		return
	}
	b.send(protocol.StreamStopped(b.sess.ID()))
}

// forwardChunk 音频快速路径：格式与序号检查、解码、入队
func (b *Bridge) forwardChunk(m protocol.StreamChunk, at time.Time) {
	id := b.sess.ID()
	format := b.sess.MediaFormat()

	if err := codec.CheckFormat(format, m.Declared()); err != nil {
		b.mismatches.Add(1)
		b.deps.Metrics.Inc(metrics.CounterFormatMismatch)
		b.logger().Warnf("dropping chunk: %v", err)
		b.send(protocol.ProtocolError(id, protocol.ReasonFormatMismatch, err.Error()))
		return
	}

	seq, ok := b.nextUpSeq(m.Sequence)
	if !ok {
		b.reject(&protocol.ValidationError{
			Kind:   protocol.KindStreamChunk,
			Reason: fmt.Sprintf("sequence %d is not greater than %d", *m.Sequence, seq),
		})
		return
	}

	payload := m.Payload
	if !m.Binary {
		raw, err := codec.Decode(m.AudioChunk, format)
		if err != nil {
			b.reject(&protocol.ValidationError{Kind: protocol.KindStreamChunk, Reason: err.Error(), Err: err})
			return
		}
		payload = raw
	}

	b.chunksIn.Add(1)
	b.deps.Metrics.Inc(metrics.CounterChunksIn)

	chunk := codec.Chunk{Payload: payload, Sequence: seq, CapturedAt: at, Direction: codec.Uplink}
	b.deps.Metrics.Record(metrics.LatencyRecord{Hop: metrics.HopUplinkConvert, Ingress: at, Egress: time.Now()})

	if err := b.upstream().SendAudio(b.ctx, chunk); err != nil {
		if errors.Is(err, upstream.ErrBackpressureExceeded) {
			b.countDrop()
			return
		}
		b.logger().Warnf("send chunk %d: %v", seq, err)
	}
}

// nextUpSeq 声明的序号必须递增，未声明时自动编号
func (b *Bridge) nextUpSeq(declared *uint64) (uint64, bool) {
	seq := b.upSeq + 1
	if declared != nil {
		seq = *declared
		if b.upSeqSet && seq <= b.upSeq {
			return b.upSeq, false
		}
	}
	b.upSeq = seq
	b.upSeqSet = true
	return seq, true
}

func (b *Bridge) activities(m protocol.Activities) {
	for _, a := range m.Activities {
		switch a.Name {
		case protocol.ActivityStart:
			b.sendUpstream(protocol.ResponseCreate())
		case protocol.ActivityDTMF:
			b.logger().Debugf("dtmf %s", a.Value)
			b.sendUpstream(protocol.UserText("DTMF: " + a.Value))
			b.sendUpstream(protocol.ResponseCreate())
		case protocol.ActivityHangup:
			b.end("hangup")
			return
		default:
			b.logger().Debugf("ignoring activity %s/%s", a.Type, a.Name)
		}
	}
}

// sendUpstream 控制事件，不会被淘汰，队列满时向下游报告
func (b *Bridge) sendUpstream(ev protocol.ClientEvent) {
	err := b.upstream().SendEvent(b.ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, upstream.ErrBackpressureExceeded):
		b.deps.Metrics.Inc(metrics.CounterControlRejected)
		b.logger().Warnf("control event %s rejected: %v", ev.Type, err)
		b.send(protocol.ProtocolError(b.sess.ID(), protocol.ReasonBackpressure, err.Error()))
	default:
		b.logger().Warnf("control event %s: %v", ev.Type, err)
	}
}

// end 进入 Ending 并开始排空；Idle 会话直接关闭
func (b *Bridge) end(reason string) {
	state := b.sess.State()
	if state == session.StateIdle {
		b.teardown(reason)
		return
	}
	if !state.IsLive() {
		return
	}

	b.endReason = reason
	if err := b.sess.Transition(session.StateEnding); err != nil {
		b.logger().Errorf("end: %v", err)
		return
	}
	b.logger().Infof("ending: %s", reason)
	go b.drain(b.upstream(), state != session.StateInitiating)
}

// drain 在期限内写完上下行积压，然后通知 Run 循环关闭
func (b *Bridge) drain(up Upstream, flush bool) {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.DrainTimeout)
	defer cancel()

	if flush && up != nil {
		if err := up.Flush(ctx); err != nil {
			b.logger().Debugf("upstream flush: %v", err)
		}
	}
	b.waitDownlink(ctx)
	b.signal(signal{kind: sigDrained})
}

func (b *Bridge) checkInactivity(now time.Time) {
	switch b.sess.State() {
	case session.StateEnding, session.StateClosed:
		return
	}
	if idle := b.sess.IdleFor(now); idle >= b.cfg.InactivityTimeout {
		b.logger().Infof("no activity for %v", idle.Round(time.Millisecond))
		b.end("inactivity")
	}
}

// teardown 停止心跳与重连、丢弃积压、关闭套接字、从注册表移除。可重复调用
func (b *Bridge) teardown(reason string) {
	b.teardownOnce.Do(func() {
		if reason == "" {
			reason = "closed"
		}

		b.cancel()
		if up := b.upstream(); up != nil {
			up.Close()
		}

		b.downAudio.Close()
		b.downAudio.Drain()
		b.downCtrl.Close()
		b.downCtrl.Drain()
		b.stopPump()

		if b.sess.State().IsLive() {
			b.sess.Transition(session.StateEnding)
		}
		if err := b.sess.Transition(session.StateClosed); err != nil {
			b.logger().Errorf("close: %v", err)
		}

		if b.registered {
			if err := b.deps.Registry.Remove(b.sess.ID()); err != nil {
				b.logger().Errorf("registry remove: %v", err)
			}
			b.closeRecord(reason)
		}

		c := b.Counters()
		b.logger().Infof("closed: reason=%s in=%d out=%d dropped=%d mismatched=%d",
			reason, c.ChunksIn, c.ChunksOut, c.ChunksDropped, c.FormatMismatch)
	})
}

// send 直接写给当前下游连接
func (b *Bridge) send(msg *protocol.Outbound) error {
	b.downMu.RLock()
	down := b.down
	b.downMu.RUnlock()

	if down == nil {
		return ErrNoDownstream
	}
	if err := down.Send(msg); err != nil {
		b.logger().Warnf("send %s: %v", msg.Type, err)
		return err
	}
	return nil
}

// sendTerminal 致命错误只向下游报告一次
func (b *Bridge) sendTerminal(reasonCode, reason string) {
	if !b.terminalSent.CompareAndSwap(false, true) {
		return
	}
	b.send(protocol.SessionError(b.sess.ID(), reasonCode, reason, true))
}

func (b *Bridge) countDrop() {
	b.dropped.Add(1)
	b.deps.Metrics.Inc(metrics.CounterChunksDropped)
}

func (b *Bridge) openRecord() {
	ctx, cancel := context.WithTimeout(b.ctx, recordTimeout)
	defer cancel()

	err := b.deps.Records.Open(ctx, store.CallRecord{
		ID:          b.sess.ID(),
		MediaFormat: b.sess.FormatName(),
		State:       b.sess.State().String(),
		OpenedAt:    b.sess.CreatedAt(),
	})
	if err != nil {
		b.logger().Warnf("open call record: %v", err)
	}
}

func (b *Bridge) closeRecord(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	closedAt := time.Now()
	rec := store.CallRecord{
		ID:            b.sess.ID(),
		MediaFormat:   b.sess.FormatName(),
		State:         b.sess.State().String(),
		OpenedAt:      b.sess.CreatedAt(),
		ClosedAt:      &closedAt,
		EndReason:     reason,
		ChunksIn:      b.chunksIn.Load(),
		ChunksOut:     b.chunksOut.Load(),
		ChunksDropped: b.dropped.Load(),
	}
	if up := b.upstream(); up != nil {
		rec.Reconnects = up.Reconnects()
	}
	if err := b.deps.Records.Close(ctx, rec); err != nil {
		b.logger().Warnf("close call record: %v", err)
	}
}
