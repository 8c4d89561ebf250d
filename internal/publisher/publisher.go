package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nao1215/filegate/internal/metrics"
	"github.com/nao1215/filegate/internal/proxy"
	"github.com/nao1215/filegate/pkg/event"
)

const (
	// DefaultQueueSize は送信キューの既定の容量。
	DefaultQueueSize = 1024
	// DefaultPublishTimeout はイベント1件の送信に許容する既定の時間。
	DefaultPublishTimeout = 5 * time.Second
)

// ErrClosed はPublisherが停止済みであることを表す。
var ErrClosed = errors.New("イベント送信は停止しています")

// envelope はキューに入れるイベントと付随情報。
type envelope struct {
	event     *event.Event
	requestID string
}

// Publisher は完了通知をイベントに変換して非同期に送信する。
type Publisher struct {
	producer       Producer
	queue          chan envelope
	publishTimeout time.Duration
	logger         zerolog.Logger
	metrics        *metrics.Metrics

	// dropLog は破棄時のログ出力を間引く。
	dropLog rate.Sometimes

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// Option はPublisherの設定を変更する関数。
type Option func(*Publisher)

// WithQueueSize は送信キューの容量を設定する。
func WithQueueSize(n int) Option {
	return func(p *Publisher) { p.queue = make(chan envelope, n) }
}

// WithPublishTimeout はイベント1件の送信に許容する時間を設定する。
func WithPublishTimeout(d time.Duration) Option {
	return func(p *Publisher) { p.publishTimeout = d }
}

// WithLogger はロガーを設定する。
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// WithMetrics はメトリクスを設定する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// New は新しいPublisherを生成する。送信を始めるにはStartを呼ぶ。
func New(producer Producer, opts ...Option) *Publisher {
	p := &Publisher{
		producer:       producer,
		queue:          make(chan envelope, DefaultQueueSize),
		publishTimeout: DefaultPublishTimeout,
		logger:         zerolog.Nop(),
		dropLog:        rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Notify はproxy.Notifierを実装する。呼び出し元をブロックしない。
func (p *Publisher) Notify(c proxy.Completion) {
	ev, ok := Classify(c)
	if !ok {
		return
	}
	p.Enqueue(ev, c.RequestID)
}

// Enqueue はイベントを送信キューに入れる。
// キューが満杯または停止済みの場合は破棄してfalseを返す。
func (p *Publisher) Enqueue(ev *event.Event, requestID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.drop(ev, ErrClosed)
		return false
	}

	select {
	case p.queue <- envelope{event: ev, requestID: requestID}:
		p.metrics.SetEventQueueDepth(len(p.queue))
		return true
	default:
		p.drop(ev, errors.New("送信キューが満杯です"))
		return false
	}
}

// drop は破棄したイベントを記録する。
func (p *Publisher) drop(ev *event.Event, reason error) {
	p.metrics.ObserveEvent(string(ev.Type), "dropped")
	p.dropLog.Do(func() {
		p.logger.Warn().Err(reason).
			Str("event_type", string(ev.Type)).
			Str("event_id", ev.ID).
			Msg("イベントを破棄しました")
	})
}

// Start はworkers個のワーカーを起動する。2回目以降の呼び出しは何もしない。
func (p *Publisher) Start(workers int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.closed {
		return
	}
	p.started = true

	if workers < 1 {
		workers = 1
	}
	for range workers {
		p.wg.Add(1)
		go p.run()
	}
}

// run はキューが閉じられるまでイベントを送信し続ける。
func (p *Publisher) run() {
	defer p.wg.Done()
	for env := range p.queue {
		p.metrics.SetEventQueueDepth(len(p.queue))
		p.publish(env)
	}
}

// publish はイベント1件を送信する。失敗してもリトライしない。
func (p *Publisher) publish(env envelope) {
	ev := env.event
	payload, err := ev.Payload()
	if err != nil {
		p.metrics.ObserveEvent(string(ev.Type), "failed")
		p.logger.Error().Err(err).Str("event_type", string(ev.Type)).Msg("イベントのシリアライズに失敗")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.publishTimeout)
	defer cancel()

	msg := Message{
		Topic: string(ev.Type.Topic()),
		Key:   ev.Subject,
		Value: payload,
		Headers: map[string]string{
			"event_type": string(ev.Type),
			"request_id": env.requestID,
		},
	}
	if err := p.producer.Publish(ctx, msg); err != nil {
		p.metrics.ObserveEvent(string(ev.Type), "failed")
		p.logger.Error().Err(err).
			Str("event_type", string(ev.Type)).
			Str("event_id", ev.ID).
			Str("request_id", env.requestID).
			Msg("イベントの送信に失敗したため破棄します")
		return
	}

	p.metrics.ObserveEvent(string(ev.Type), "published")
	p.logger.Debug().
		Str("event_type", string(ev.Type)).
		Str("event_id", ev.ID).
		Str("topic", msg.Topic).
		Msg("イベントを送信しました")
}

// Close は受け付けを停止し、キューに残ったイベントを送信してからProducerを閉じる。
// ctxの期限までに送信が終わらない場合は残りを待たずにProducerを閉じる。
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	var drainErr error
	if started {
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			drainErr = fmt.Errorf("イベント送信キューの排出が完了しませんでした: %w", ctx.Err())
		}
	}

	if err := p.producer.Close(); err != nil {
		return errors.Join(drainErr, err)
	}
	return drainErr
}
