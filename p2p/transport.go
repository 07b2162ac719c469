// Package p2p guardian 之间的 HTTP/3 通道，承载共识消息与 DKG 条目。
package p2p

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/consensus"
	"github.com/natto1784/fedimint/dkg"
	"github.com/natto1784/fedimint/logs"
	"github.com/natto1784/fedimint/types"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"
)

const (
	PathConsensus = "/p2p/consensus"
	PathDKG       = "/p2p/dkg"
	PathPing      = "/p2p/ping"
)

var ErrUnknownPeer = fmt.Errorf("p2p: unknown peer: %w", consensus.ErrPeerUnreachable)

type metrics struct {
	sent     *prometheus.CounterVec
	failed   *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	received *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	vec := func(name, help string, label string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: "fedimint", Subsystem: "p2p", Name: name, Help: help}, []string{label})
	}
	return &metrics{
		sent:     vec("sent_total", "Messages delivered to a peer.", "peer"),
		failed:   vec("send_failures_total", "Failed delivery attempts.", "peer"),
		dropped:  vec("dropped_total", "Messages dropped on a full or stale queue.", "peer"),
		received: vec("received_total", "Messages received by channel.", "channel"),
	}
}

// Options 传输层参数；Peers 不含自己时也可以
type Options struct {
	Self       types.GuardianID
	ListenAddr string
	Peers      map[types.GuardianID]string
	Cert       tls.Certificate
	Server     config.ServerConfig
	InboxSize  int
	Registerer prometheus.Registerer
}

// Transport 实现 consensus.Transport；DKG() 给出 dkg.Network 视图
type Transport struct {
	self   types.GuardianID
	opts   Options
	client *http.Client
	h3     *http3.Transport
	server *http3.Server
	ln     *quic.Listener
	log    *logs.Logger
	m      *metrics

	consensusIn chan *consensus.Message
	dkgIn       chan *dkg.Entry

	mu     sync.RWMutex
	queues map[types.GuardianID]*peerQueue

	serveErr chan error
	once     sync.Once
}

func serverTLS(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
		NextProtos:   []string{"h3"},
	}
}

func quicConfig(s config.ServerConfig) *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: s.QUICKeepAlivePeriod,
		MaxIdleTimeout:  s.QUICMaxIdleTimeout,
		Allow0RTT:       s.QUICAllow0RTT,
	}
}

// newClient HTTP/3 客户端；对端证书自签名，不校验
func newClient(s config.ServerConfig) (*http.Client, *http3.Transport) {
	cache := s.TLSSessionCacheSize
	if cache <= 0 {
		cache = 128
	}
	tr := &http3.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS13,
			MaxVersion:         tls.VersionTLS13,
			ClientSessionCache: tls.NewLRUClientSessionCache(cache),
			NextProtos:         []string{"h3"},
		},
		QUICConfig: quicConfig(s),
	}
	return &http.Client{Transport: tr, Timeout: s.HTTPTimeout}, tr
}

func baseURL(addr string) string {
	if strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "https://" + addr
}

func New(opts Options) (*Transport, error) {
	if opts.ListenAddr == "" {
		return nil, fmt.Errorf("p2p: %w: empty listen address", types.ErrSetupFatal)
	}
	inbox := opts.InboxSize
	if inbox <= 0 {
		inbox = 4096
	}
	t := &Transport{
		self:        opts.Self,
		opts:        opts,
		log:         logs.Named(fmt.Sprintf("p2p-%d", opts.Self)),
		m:           newMetrics(opts.Registerer),
		consensusIn: make(chan *consensus.Message, inbox),
		dkgIn:       make(chan *dkg.Entry, inbox),
		queues:      make(map[types.GuardianID]*peerQueue),
		serveErr:    make(chan error, 1),
	}
	t.client, t.h3 = newClient(opts.Server)
	for id, addr := range opts.Peers {
		if id != opts.Self {
			t.SetPeer(id, addr)
		}
	}
	return t, nil
}

// SetPeer 登记或替换对端地址
func (t *Transport) SetPeer(id types.GuardianID, addr string) {
	// 超过几次请求超时还没发出去的消息已无意义
	expire := t.opts.Server.HTTPTimeout * 4
	if expire <= 0 {
		expire = 30 * time.Second
	}
	q := newPeerQueue(id, baseURL(addr), t.client, t.opts.InboxSize/4, expire, t.m, t.log)
	t.mu.Lock()
	old := t.queues[id]
	t.queues[id] = q
	t.mu.Unlock()
	if old != nil {
		old.close()
	}
}

// Handler 对端调用的路由
func (t *Transport) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(PathConsensus, t.handleConsensus).Methods(http.MethodPost)
	r.HandleFunc(PathDKG, t.handleDKG).Methods(http.MethodPost)
	r.HandleFunc(PathPing, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "%d", t.self)
	}).Methods(http.MethodGet)
	return r
}

func (t *Transport) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limit := t.opts.Server.MaxRequestBodySize
	if limit <= 0 {
		limit = 32 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return body, true
}

func (t *Transport) handleConsensus(w http.ResponseWriter, r *http.Request) {
	body, ok := t.readBody(w, r)
	if !ok {
		return
	}
	m, err := consensus.DecodeMessage(body)
	if err != nil {
		t.log.Warn("undecodable consensus message from %s: %v", r.RemoteAddr, err)
		http.Error(w, "bad message", http.StatusBadRequest)
		return
	}
	// 签名由引擎校验
	select {
	case t.consensusIn <- m:
		t.m.received.WithLabelValues("consensus").Inc()
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "inbox full", http.StatusServiceUnavailable)
	}
}

func (t *Transport) handleDKG(w http.ResponseWriter, r *http.Request) {
	body, ok := t.readBody(w, r)
	if !ok {
		return
	}
	var e dkg.Entry
	if err := json.Unmarshal(body, &e); err != nil {
		http.Error(w, "bad entry", http.StatusBadRequest)
		return
	}
	select {
	case t.dkgIn <- &e:
		t.m.received.WithLabelValues("dkg").Inc()
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "inbox full", http.StatusServiceUnavailable)
	}
}

// Start 监听 QUIC 并在后台服务
func (t *Transport) Start() error {
	tlsConf := serverTLS(t.opts.Cert)
	qconf := quicConfig(t.opts.Server)
	ln, err := quic.ListenAddr(t.opts.ListenAddr, tlsConf, qconf)
	if err != nil {
		return fmt.Errorf("p2p: %w: listen %s: %v", types.ErrSetupFatal, t.opts.ListenAddr, err)
	}
	t.ln = ln
	t.server = &http3.Server{
		Addr:       t.opts.ListenAddr,
		Handler:    t.Handler(),
		TLSConfig:  tlsConf,
		QUICConfig: qconf,
	}
	t.log.Info("%s listening on %s", t.self, ln.Addr())
	go func() {
		err := t.server.ServeListener(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, quic.ErrServerClosed) {
			t.log.Error("serve: %v", err)
		}
		t.serveErr <- err
	}()
	return nil
}

// Addr 实际监听地址，ListenAddr 端口为 0 时有用
func (t *Transport) Addr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *Transport) queue(id types.GuardianID) (*peerQueue, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.queues[id]
	return q, ok
}

func (t *Transport) peers() []*peerQueue {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*peerQueue, 0, len(t.queues))
	for _, q := range t.queues {
		out = append(out, q)
	}
	return out
}

func (t *Transport) Send(to types.GuardianID, msg *consensus.Message) error {
	q, ok := t.queue(to)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownPeer, to)
	}
	if !q.enqueue(&sendTask{path: PathConsensus, body: msg.Encode(), pri: priorityControl}) {
		return fmt.Errorf("%w: queue to %s full", consensus.ErrPeerUnreachable, to)
	}
	return nil
}

func (t *Transport) Broadcast(msg *consensus.Message) {
	body := msg.Encode()
	for _, q := range t.peers() {
		q.enqueue(&sendTask{path: PathConsensus, body: body, pri: priorityControl})
	}
}

func (t *Transport) Receive() <-chan *consensus.Message { return t.consensusIn }

// Ping 探测对端是否已在监听，不经过发送队列
func (t *Transport) Ping(ctx context.Context, id types.GuardianID) error {
	q, ok := t.queue(id)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownPeer, id)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.url+PathPing, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", consensus.ErrPeerUnreachable, id, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16))
	if resp.StatusCode != http.StatusOK || string(body) != fmt.Sprintf("%d", id) {
		return fmt.Errorf("%w: %s answered %d %q", consensus.ErrPeerUnreachable, id, resp.StatusCode, body)
	}
	return nil
}

// WaitPeers 阻塞到所有已登记对端都能 Ping 通
func (t *Transport) WaitPeers(ctx context.Context, interval time.Duration) error {
	var g errgroup.Group
	for _, q := range t.peers() {
		id := q.peer
		g.Go(func() error {
			_, err := backoff.Retry(ctx, func() (struct{}, error) {
				return struct{}{}, t.Ping(ctx, id)
			}, backoff.WithBackOff(backoff.NewConstantBackOff(interval)))
			return err
		})
	}
	return g.Wait()
}

// DKG 同一条通道上的 DKG 视图
func (t *Transport) DKG() dkg.Network { return dkgNetwork{t} }

type dkgNetwork struct{ t *Transport }

func (n dkgNetwork) Broadcast(ctx context.Context, e *dkg.Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, q := range n.t.peers() {
		q.enqueue(&sendTask{path: PathDKG, body: body, pri: priorityData})
	}
	return nil
}

func (n dkgNetwork) Inbox() <-chan *dkg.Entry { return n.t.dkgIn }

// Close 停止服务与所有发送队列
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		for _, q := range t.peers() {
			q.close()
		}
		if t.server != nil {
			err = t.server.Close()
			<-t.serveErr
		}
		if t.ln != nil {
			_ = t.ln.Close()
		}
		if cerr := t.h3.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
