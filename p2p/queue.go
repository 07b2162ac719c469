package p2p

import (
	"bytes"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/natto1784/fedimint/logs"
	"github.com/natto1784/fedimint/types"

	"github.com/prometheus/client_golang/prometheus"
)

// 任务优先级：共识消息走控制面，DKG 与补块走数据面
type priority int

const (
	priorityData priority = iota
	priorityControl
)

const (
	maxRetries     = 3
	baseRetryDelay = 50 * time.Millisecond
	maxRetryDelay  = time.Second
	jitterFactor   = 0.3
)

// sendTask 一次 POST
type sendTask struct {
	path        string
	body        []byte
	retries     int
	createdAt   time.Time
	nextAttempt time.Time
	pri         priority
}

// peerQueue 单个对端的发送队列，一个 worker 顺序发送，保证同一对端的消息顺序
type peerQueue struct {
	peer    types.GuardianID
	url     string
	client  *http.Client
	expire  time.Duration
	control chan *sendTask
	data    chan *sendTask
	stop    chan struct{}
	wg      sync.WaitGroup
	log     *logs.Logger

	sent    prometheus.Counter
	failed  prometheus.Counter
	dropped prometheus.Counter
}

func newPeerQueue(peer types.GuardianID, url string, client *http.Client, capacity int, expire time.Duration, m *metrics, log *logs.Logger) *peerQueue {
	if capacity < 64 {
		capacity = 64
	}
	label := peer.String()
	q := &peerQueue{
		peer:    peer,
		url:     url,
		client:  client,
		expire:  expire,
		control: make(chan *sendTask, capacity),
		data:    make(chan *sendTask, capacity),
		stop:    make(chan struct{}),
		log:     log,
		sent:    m.sent.WithLabelValues(label),
		failed:  m.failed.WithLabelValues(label),
		dropped: m.dropped.WithLabelValues(label),
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *peerQueue) close() {
	close(q.stop)
	q.wg.Wait()
}

// enqueue 非阻塞；队列满时丢弃并返回 false
func (q *peerQueue) enqueue(t *sendTask) bool {
	if t.createdAt.IsZero() {
		t.createdAt = time.Now()
	}
	ch := q.data
	if t.pri == priorityControl {
		ch = q.control
	}
	select {
	case ch <- t:
		return true
	default:
		q.dropped.Inc()
		q.log.Warn("queue to %s full, dropping %s", q.peer, t.path)
		return false
	}
}

func (q *peerQueue) loop() {
	defer q.wg.Done()
	for {
		// 控制面优先
		var t *sendTask
		select {
		case <-q.stop:
			return
		case t = <-q.control:
		default:
			select {
			case <-q.stop:
				return
			case t = <-q.control:
			case t = <-q.data:
			}
		}
		q.run(t)
	}
}

func (q *peerQueue) run(t *sendTask) {
	if age := time.Since(t.createdAt); age > q.expire {
		q.dropped.Inc()
		q.log.Debug("dropping stale %s to %s, age %v", t.path, q.peer, age)
		return
	}
	if d := time.Until(t.nextAttempt); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-q.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	err := q.post(t)
	if err == nil {
		q.sent.Inc()
		return
	}
	q.failed.Inc()
	t.retries++
	if t.retries > maxRetries {
		q.log.Debug("giving up %s to %s after %d attempts: %v", t.path, q.peer, t.retries, err)
		return
	}
	// 指数退避加抖动
	delay := baseRetryDelay * time.Duration(math.Pow(2, float64(t.retries-1)))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	delay += time.Duration(float64(delay) * jitterFactor * (rand.Float64()*2 - 1))
	t.nextAttempt = time.Now().Add(delay)
	q.enqueue(t)
}

func (q *peerQueue) post(t *sendTask) error {
	resp, err := q.client.Post(q.url+t.path, "application/octet-stream", bytes.NewReader(t.body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("p2p: %s%s status %d", q.url, t.path, resp.StatusCode)
	}
	return nil
}
