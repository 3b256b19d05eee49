package config

import (
	"time"
)

// Config is the complete router configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Protocol    ProtocolConfig    `yaml:"protocol"`
	Session     SessionConfig     `yaml:"session"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Flow        FlowConfig        `yaml:"flow"`
	Routing     RoutingConfig     `yaml:"routing"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Adapters    []AdapterConfig   `yaml:"adapters"`
	Tenants     []TenantConfig    `yaml:"tenants"`
	Observation ObservationConfig `yaml:"observation"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Redis       RedisConfig       `yaml:"redis"`
}

// ServerConfig defines the listener and admin API surface.
type ServerConfig struct {
	Address           string        `yaml:"address"`            // e.g. ":8420"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	HandshakeRate     float64       `yaml:"handshake_rate"`      // new sessions per second
	HandshakeBurst    int           `yaml:"handshake_burst"`
	MaxSessions       int           `yaml:"max_sessions"`
	ShutdownHardExit  bool          `yaml:"shutdown_hard_exit"`  // os.Exit after drain deadline
}

// ProtocolConfig defines frame-level limits and timers.
type ProtocolConfig struct {
	MaxFrameBytes     int           `yaml:"max_frame_bytes"`     // default 1 MiB
	MaxFragmentBytes  int           `yaml:"max_fragment_bytes"`  // default 8 KiB
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`  // default 15s
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`   // default 2s
	RequireSignature  bool          `yaml:"require_signature"`
}

// SessionConfig defines per-session timers and buffers.
type SessionConfig struct {
	IdleMissedHeartbeats int           `yaml:"idle_missed_heartbeats"` // default 3
	AntiReplayWindow     time.Duration `yaml:"anti_replay_window"`     // default 60s
	AntiReplayCacheSize  int           `yaml:"anti_replay_cache_size"` // default 65536
	AckFrameThreshold    int           `yaml:"ack_frame_threshold"`    // default 32
	AckDelay             time.Duration `yaml:"ack_delay"`              // default 20ms
	GapTimer             time.Duration `yaml:"gap_timer"`              // default 200ms
	MaxFragments         int           `yaml:"max_fragments"`          // per reassembly buffer
	MaxReassemblyBytes   int           `yaml:"max_reassembly_bytes"`
	ResumeWindow         time.Duration `yaml:"resume_window"`          // default 30s
	RetransmitQueueSize  int           `yaml:"retransmit_queue_size"`  // default 256
}

// SchedulerConfig defines QoS fairness and admission gates.
type SchedulerConfig struct {
	TenantWeights          TierWeights   `yaml:"tenant_weights"`
	GlobalConcurrency      int           `yaml:"global_concurrency"`
	TenantConcurrency      int           `yaml:"tenant_concurrency"`
	QueueDepth             int           `yaml:"queue_depth"`
	QueueHighWatermark     time.Duration `yaml:"queue_high_watermark"`
	QueueLowWatermark      time.Duration `yaml:"queue_low_watermark"`
	StarvationP95Threshold time.Duration `yaml:"starvation_p95_threshold"`
	StarvationBoostFactor  int           `yaml:"starvation_boost_factor"`
	SilverPreemptWait      time.Duration `yaml:"silver_preempt_wait"`
	FairnessWindow         time.Duration `yaml:"fairness_window"` // Jain index window
	Quantum                time.Duration `yaml:"quantum"`
}

// TierWeights holds the DRR weights per QoS tier.
type TierWeights struct {
	Gold   int `yaml:"gold"`
	Silver int `yaml:"silver"`
	Bronze int `yaml:"bronze"`
}

// FlowConfig defines the AIMD triplet-window controller.
type FlowConfig struct {
	AIMDAlphaParallel  int           `yaml:"aimd_alpha_parallel"`   // additive step, default 1
	AIMDAlphaTokens    int64         `yaml:"aimd_alpha_tokens"`     // default 512
	AIMDAlphaUSDMicros int64         `yaml:"aimd_alpha_usd_micros"` // default 1000
	AIMDBeta           float64       `yaml:"aimd_beta"`             // default 0.5
	MinWindow          WindowConfig  `yaml:"min_window"`
	MaxWindow          WindowConfig  `yaml:"max_window"`
	InitialWindow      WindowConfig  `yaml:"initial_window"`
	ObservationInterval time.Duration `yaml:"observation_interval"` // default 1s
	BusyGrace          time.Duration `yaml:"busy_grace"`            // default 200ms
	UpdateMinDelta     float64       `yaml:"update_min_delta"`      // default 0.10
	UpdateMinInterval  time.Duration `yaml:"update_min_interval"`   // default 250ms
	IdleTTL            time.Duration `yaml:"idle_ttl"`              // prune idle session windows
	PIDEnabled         bool          `yaml:"pid_enabled"`
	PIDGain            float64       `yaml:"pid_gain"`
}

// WindowConfig mirrors the triplet window on the wire.
type WindowConfig struct {
	MaxParallel  int   `yaml:"max_parallel"`
	MaxTokens    int64 `yaml:"max_tokens"`
	MaxUSDMicros int64 `yaml:"max_usd_micros"`
}

// RoutingConfig defines selection policy and champion/challenger behaviour.
type RoutingConfig struct {
	Strategy           string         `yaml:"strategy"` // thompson | ucb | greedy
	Weights            ScoreWeights   `yaml:"weights"`
	Epsilon            float64        `yaml:"epsilon"`             // greedy exploration
	UCBExploration     float64        `yaml:"ucb_exploration"`     // LinUCB c
	ShadowProbability  float64        `yaml:"shadow_probability"`  // default 0.05
	ExploreProbability float64        `yaml:"explore_probability"` // failover exploration
	PromotionThreshold float64        `yaml:"promotion_threshold"` // win-rate θ
	MinTrials          int            `yaml:"min_trials"`          // N_min
	MinCostSavings     float64        `yaml:"min_cost_savings"`    // s
	StalenessTau       time.Duration  `yaml:"staleness_tau"`       // EWMA staleness τ
	StalenessThreshold time.Duration  `yaml:"staleness_threshold"` // default 30s
	Reward             RewardConfig   `yaml:"reward"`
}

// ScoreWeights are the per-tenant-overridable scoring weights.
type ScoreWeights struct {
	Quality float64 `yaml:"quality"`
	Latency float64 `yaml:"latency"`
	Cost    float64 `yaml:"cost"`
	Carbon  float64 `yaml:"carbon"`
}

// RewardConfig defines the bandit reward mix.
type RewardConfig struct {
	Quality      float64 `yaml:"quality"`
	Latency      float64 `yaml:"latency"`
	Cost         float64 `yaml:"cost"`
	ErrorPenalty float64 `yaml:"error_penalty"`
}

// BreakerConfig defines per-adapter circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // f_max, default 5
	FailureRatio     float64       `yaml:"failure_ratio"`     // r_max, default 0.5
	RatioWindow      time.Duration `yaml:"ratio_window"`      // default 30s
	MinRequests      int           `yaml:"min_requests"`      // ratio trip floor
	CooldownInitial  time.Duration `yaml:"cooldown_initial"`  // default 2s
	CooldownMax      time.Duration `yaml:"cooldown_max"`      // default 60s
	SuccessThreshold int           `yaml:"success_threshold"` // k_success, default 3
}

// AdapterConfig statically registers an adapter (the CAPABILITY frame path
// registers the rest at runtime).
type AdapterConfig struct {
	ID                 string   `yaml:"id"`
	Type               string   `yaml:"type"`
	Models             []string `yaml:"models"`
	Capabilities       []string `yaml:"capabilities"`
	MaxTokens          int64    `yaml:"max_tokens"`
	Languages          []string `yaml:"languages"`
	CostInPerTokenMicros  int64 `yaml:"cost_in_per_token_micros"`
	CostOutPerTokenMicros int64 `yaml:"cost_out_per_token_micros"`
	CostPerRequestMicros  int64 `yaml:"cost_per_request_micros"`
	CarbonIntensity    float64  `yaml:"carbon_intensity"` // gCO2e/kWh of hosting region, 0 = unknown
	Endpoint           string   `yaml:"endpoint"`
}

// TenantConfig defines per-tenant policy.
type TenantConfig struct {
	ID               string       `yaml:"id"`
	QoS              string       `yaml:"qos"` // default tier for the tenant
	AllowedAdapters  []string     `yaml:"allowed_adapters"`
	AllowedDataScope []string     `yaml:"allowed_data_scope"`
	Weights          ScoreWeights `yaml:"weights"` // zero values fall back to routing.weights
	Strategy         string       `yaml:"strategy"`
	Rules            []string     `yaml:"rules"` // expr-lang expressions, all must pass
	Window           WindowConfig `yaml:"window"`
}

// ObservationConfig bounds the observation sink.
type ObservationConfig struct {
	BufferSize    int           `yaml:"buffer_size"`    // default 10000
	FlushInterval time.Duration `yaml:"flush_interval"` // default 1s
	ExportTimeout time.Duration `yaml:"export_timeout"`
	File          string        `yaml:"file"` // JSONL export path, empty = discard
	MaxSizeMB     int           `yaml:"max_size_mb"`
	MaxBackups    int           `yaml:"max_backups"`
}

// ShutdownConfig defines the drain deadline and its phase split.
type ShutdownConfig struct {
	DrainTimeout time.Duration `yaml:"drain_timeout"` // default 30s
	// Phase split over DrainTimeout: refuse+drain streams / cancel tasks /
	// flush+close. Must sum to 100.
	PhasePercents [3]int `yaml:"phase_percents"`
}

// LoggingConfig defines log level and rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TracingConfig defines OTLP export.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ServiceName string            `yaml:"service_name"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	SampleRate  float64           `yaml:"sample_rate"`
	Headers     map[string]string `yaml:"headers"`
}

// RedisConfig enables the shared flow state backend.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// DefaultConfig returns a config populated with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":8420",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    120 * time.Second,
			HandshakeRate:  100,
			HandshakeBurst: 200,
			MaxSessions:    10000,
		},
		Protocol: ProtocolConfig{
			MaxFrameBytes:     1 << 20,
			MaxFragmentBytes:  8 << 10,
			HeartbeatInterval: 15 * time.Second,
			HandshakeTimeout:  2 * time.Second,
		},
		Session: SessionConfig{
			IdleMissedHeartbeats: 3,
			AntiReplayWindow:     60 * time.Second,
			AntiReplayCacheSize:  65536,
			AckFrameThreshold:    32,
			AckDelay:             20 * time.Millisecond,
			GapTimer:             200 * time.Millisecond,
			MaxFragments:         1024,
			MaxReassemblyBytes:   8 << 20,
			ResumeWindow:         30 * time.Second,
			RetransmitQueueSize:  256,
		},
		Scheduler: SchedulerConfig{
			TenantWeights:          TierWeights{Gold: 8, Silver: 4, Bronze: 1},
			GlobalConcurrency:      256,
			TenantConcurrency:      32,
			QueueDepth:             1024,
			QueueHighWatermark:     2 * time.Second,
			QueueLowWatermark:      500 * time.Millisecond,
			StarvationP95Threshold: 5 * time.Second,
			StarvationBoostFactor:  2,
			SilverPreemptWait:      3 * time.Second,
			FairnessWindow:         10 * time.Second,
			Quantum:                10 * time.Millisecond,
		},
		Flow: FlowConfig{
			AIMDAlphaParallel:   1,
			AIMDAlphaTokens:     512,
			AIMDAlphaUSDMicros:  1000,
			AIMDBeta:            0.5,
			MinWindow:           WindowConfig{MaxParallel: 1, MaxTokens: 256, MaxUSDMicros: 1000},
			MaxWindow:           WindowConfig{MaxParallel: 64, MaxTokens: 1 << 20, MaxUSDMicros: 100_000_000},
			InitialWindow:       WindowConfig{MaxParallel: 4, MaxTokens: 8192, MaxUSDMicros: 100_000},
			ObservationInterval: time.Second,
			BusyGrace:           200 * time.Millisecond,
			UpdateMinDelta:      0.10,
			UpdateMinInterval:   250 * time.Millisecond,
			IdleTTL:             5 * time.Minute,
			PIDGain:             0.1,
		},
		Routing: RoutingConfig{
			Strategy:           "thompson",
			Weights:            ScoreWeights{Quality: 0.4, Latency: 0.2, Cost: 0.3, Carbon: 0.1},
			Epsilon:            0.05,
			UCBExploration:     2.0,
			ShadowProbability:  0.05,
			ExploreProbability: 0.05,
			PromotionThreshold: 0.55,
			MinTrials:          50,
			MinCostSavings:     0.05,
			StalenessTau:       30 * time.Second,
			StalenessThreshold: 30 * time.Second,
			Reward:             RewardConfig{Quality: 0.5, Latency: 0.3, Cost: 0.2, ErrorPenalty: 1.0},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			FailureRatio:     0.5,
			RatioWindow:      30 * time.Second,
			MinRequests:      10,
			CooldownInitial:  2 * time.Second,
			CooldownMax:      60 * time.Second,
			SuccessThreshold: 3,
		},
		Observation: ObservationConfig{
			BufferSize:    10000,
			FlushInterval: time.Second,
			ExportTimeout: 2 * time.Second,
		},
		Shutdown: ShutdownConfig{
			DrainTimeout:  30 * time.Second,
			PhasePercents: [3]int{40, 30, 30},
		},
		Logging: LoggingConfig{Level: "info"},
		Redis:   RedisConfig{KeyPrefix: "atp:flow:"},
	}
}

// TenantByID returns the tenant config for id, or nil.
func (c *Config) TenantByID(id string) *TenantConfig {
	for i := range c.Tenants {
		if c.Tenants[i].ID == id {
			return &c.Tenants[i]
		}
	}
	return nil
}

// MergeWeights overlays non-zero tenant weights onto the global defaults.
func MergeWeights(global, tenant ScoreWeights) ScoreWeights {
	out := global
	if tenant.Quality != 0 {
		out.Quality = tenant.Quality
	}
	if tenant.Latency != 0 {
		out.Latency = tenant.Latency
	}
	if tenant.Cost != 0 {
		out.Cost = tenant.Cost
	}
	if tenant.Carbon != 0 {
		out.Carbon = tenant.Carbon
	}
	return out
}
