// config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidFederation = errors.New("invalid federation parameters")

// Config 主配置结构
type Config struct {
	Federation FederationConfig `yaml:"federation"`
	Consensus  ConsensusConfig  `yaml:"consensus"`
	DKG        DKGConfig        `yaml:"dkg"`
	Database   DatabaseConfig   `yaml:"database"`
	TxPool     TxPoolConfig     `yaml:"txpool"`
	Signer     SignerConfig     `yaml:"signer"`
	Client     ClientConfig     `yaml:"client"`
	Server     ServerConfig     `yaml:"server"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Log        LogConfig        `yaml:"log"`
}

// PeerConfig 一个 guardian 的对外地址
type PeerConfig struct {
	ID      uint16 `yaml:"id"`
	RPCAddr string `yaml:"rpc_addr"` // 客户端 JSON-RPC
	P2PAddr string `yaml:"p2p_addr"` // guardian 之间 HTTP/3
	// 33 字节压缩 secp256k1 身份公钥（hex）
	IdentityKey string `yaml:"identity_key"`
}

// FederationConfig 联邦参数
type FederationConfig struct {
	N    int    `yaml:"n"`    // guardian 总数
	F    int    `yaml:"f"`    // 容忍的拜占庭数
	T    int    `yaml:"t"`    // 签名阈值
	Self uint16 `yaml:"self"` // 本节点编号

	// 面额（msat），所有 note 同一面额
	NoteValue uint64 `yaml:"note_value"`
	// 每笔交易固定手续费（msat）
	TxFee uint64 `yaml:"tx_fee"`
	// 比特币网络：mainnet / testnet3 / signet / regtest
	Network string `yaml:"network"`
	// 小于该值的 peg-out 拒绝
	DustLimitSat int64 `yaml:"dust_limit_sat"`

	Peers []PeerConfig `yaml:"peers"`

	DataDir      string `yaml:"data_dir"`
	KeyStorePath string `yaml:"keystore_path"`
	IdentityPath string `yaml:"identity_path"`
}

// ConsensusConfig 共识参数
type ConsensusConfig struct {
	EpochInterval    time.Duration `yaml:"epoch_interval"`      // 空闲时触发新 epoch 的间隔
	RoundTimeout     time.Duration `yaml:"round_timeout"`       // 第 0 轮超时
	MaxRoundTimeout  time.Duration `yaml:"max_round_timeout"`   // 指数退避上限
	ProposalWait     time.Duration `yaml:"proposal_wait"`       // leader 等待其它提案的时间
	MaxTxsPerEpoch   int           `yaml:"max_txs_per_epoch"`   // 单个提案的交易上限
	InboxSize        int           `yaml:"inbox_size"`          // 消息队列
	CatchUpBatchSize int           `yaml:"catch_up_batch_size"` // 一次补齐的 epoch 数
}

// DKGConfig 密钥生成各阶段的截止时间
type DKGConfig struct {
	StageTimeout time.Duration `yaml:"stage_timeout"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Backend          string `yaml:"backend"` // badger / memory
	ValueLogFileSize int64  `yaml:"value_log_file_size"`
	SyncWrites       bool   `yaml:"sync_writes"`
}

// TxPoolConfig 交易池配置
type TxPoolConfig struct {
	MaxPendingTxs   int `yaml:"max_pending_txs"`
	SeenTxCacheSize int `yaml:"seen_tx_cache_size"`
}

// SignerConfig 部分签名缓存
type SignerConfig struct {
	CacheSize int `yaml:"cache_size"`
}

// ClientConfig 客户端重试与截止时间
type ClientConfig struct {
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	IssuanceTimeout time.Duration `yaml:"issuance_timeout"` // 操作员截止时间
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	OutcomePoll     time.Duration `yaml:"outcome_poll"`
}

// ServerConfig HTTP/3 与 RPC 服务配置
type ServerConfig struct {
	QUICKeepAlivePeriod time.Duration `yaml:"quic_keep_alive_period"`
	QUICMaxIdleTimeout  time.Duration `yaml:"quic_max_idle_timeout"`
	QUICAllow0RTT       bool          `yaml:"quic_allow_0rtt"`
	HTTPTimeout         time.Duration `yaml:"http_timeout"`
	MaxRequestBodySize  int64         `yaml:"max_request_body_size"`
	CertValidityDays    int           `yaml:"cert_validity_days"`
	TLSSessionCacheSize int           `yaml:"tls_session_cache_size"`
	// 客户端 API 每 IP 每秒请求数，0 不限
	RateLimitPerSecond  int `yaml:"rate_limit_per_second"`
	RateLimitTrackedIPs int `yaml:"rate_limit_tracked_ips"`
}

// GatewayConfig 闪电网关
type GatewayConfig struct {
	AnnouncementTTL time.Duration `yaml:"announcement_ttl"`
	FeeBaseMsat     uint64        `yaml:"fee_base_msat"`
	FeePPM          uint64        `yaml:"fee_ppm"`
	APIAddr         string        `yaml:"api_addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig 返回默认配置（4 个 guardian，容忍 1 个）
func DefaultConfig() *Config {
	return &Config{
		Federation: FederationConfig{
			N:            4,
			F:            1,
			T:            3,
			Self:         0,
			NoteValue:    1_000_000,
			TxFee:        0,
			Network:      "regtest",
			DustLimitSat: 546,
			DataDir:      "data",
			KeyStorePath: "data/keyshare.bin",
			IdentityPath: "data/identity.key",
		},
		Consensus: ConsensusConfig{
			EpochInterval:    2 * time.Second,
			RoundTimeout:     500 * time.Millisecond,
			MaxRoundTimeout:  10 * time.Second,
			ProposalWait:     100 * time.Millisecond,
			MaxTxsPerEpoch:   1000,
			InboxSize:        10000,
			CatchUpBatchSize: 32,
		},
		DKG: DKGConfig{
			StageTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Backend:          "badger",
			ValueLogFileSize: 64 << 20,
			SyncWrites:       true,
		},
		TxPool: TxPoolConfig{
			MaxPendingTxs:   10000,
			SeenTxCacheSize: 100000,
		},
		Signer: SignerConfig{
			CacheSize: 100000,
		},
		Client: ClientConfig{
			RequestTimeout:  3 * time.Second,
			IssuanceTimeout: 30 * time.Second,
			InitialBackoff:  100 * time.Millisecond,
			MaxBackoff:      2 * time.Second,
			OutcomePoll:     50 * time.Millisecond,
		},
		Server: ServerConfig{
			QUICKeepAlivePeriod: 10 * time.Second,
			QUICMaxIdleTimeout:  5 * time.Minute,
			QUICAllow0RTT:       true,
			HTTPTimeout:         30 * time.Second,
			MaxRequestBodySize:  10 << 20,
			CertValidityDays:    365,
			TLSSessionCacheSize: 128,
			RateLimitPerSecond:  200,
			RateLimitTrackedIPs: 10000,
		},
		Gateway: GatewayConfig{
			AnnouncementTTL: 600 * time.Second,
			FeeBaseMsat:     1000,
			FeePPM:          100,
			APIAddr:         "127.0.0.1:8175",
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadFromFile 从 YAML 文件加载配置，未出现的字段保留默认值
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save 写回 YAML，cmd 里生成配置模板时使用
func (c *Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

// CheckFederation 校验 n ≥ 3f+1 且 f+1 ≤ t ≤ n-f
func CheckFederation(n, f, t int) error {
	if n <= 0 || f < 0 {
		return fmt.Errorf("%w: n=%d f=%d", ErrInvalidFederation, n, f)
	}
	if n < 3*f+1 {
		return fmt.Errorf("%w: n=%d must be at least 3f+1=%d", ErrInvalidFederation, n, 3*f+1)
	}
	if t < f+1 || t > n-f {
		return fmt.Errorf("%w: t=%d must be within [%d, %d]", ErrInvalidFederation, t, f+1, n-f)
	}
	return nil
}

// Validate 验证配置合法性
func (c *Config) Validate() error {
	fc := c.Federation
	if err := CheckFederation(fc.N, fc.F, fc.T); err != nil {
		return err
	}
	if int(fc.Self) >= fc.N {
		return fmt.Errorf("self id %d out of range [0, %d)", fc.Self, fc.N)
	}
	if fc.NoteValue == 0 {
		return fmt.Errorf("note_value must be positive")
	}
	if len(fc.Peers) > 0 && len(fc.Peers) != fc.N {
		return fmt.Errorf("peers lists %d entries, federation has %d guardians", len(fc.Peers), fc.N)
	}
	seen := make(map[uint16]bool, len(fc.Peers))
	for _, p := range fc.Peers {
		if int(p.ID) >= fc.N || seen[p.ID] {
			return fmt.Errorf("bad or duplicate peer id %d", p.ID)
		}
		seen[p.ID] = true
	}
	if _, err := NetworkParams(fc.Network); err != nil {
		return err
	}
	if c.Consensus.RoundTimeout <= 0 {
		return fmt.Errorf("round_timeout must be positive")
	}
	if c.Consensus.MaxTxsPerEpoch <= 0 {
		return fmt.Errorf("max_txs_per_epoch must be positive")
	}
	if c.Client.IssuanceTimeout <= 0 {
		return fmt.Errorf("issuance_timeout must be positive")
	}
	return nil
}

// Peer 按编号查找 peer 配置
func (c *Config) Peer(id uint16) (PeerConfig, bool) {
	for _, p := range c.Federation.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return PeerConfig{}, false
}
