package config

import (
	"time"

	"github.com/atmx/options-engine/internal/engine"
	"github.com/atmx/options-engine/internal/pool"
	"github.com/atmx/options-engine/internal/queue"
)

// setDefaults fills every unset field with a working value.
func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 20
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 40
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Storage.CacheTTL == 0 {
		cfg.Storage.CacheTTL = 5 * time.Minute
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "options.events"
	}
	if cfg.Kafka.MaxRetries == 0 {
		cfg.Kafka.MaxRetries = 3
	}
	if cfg.Kafka.Backoff == 0 {
		cfg.Kafka.Backoff = 500 * time.Millisecond
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Asset.Symbol == "" {
		cfg.Asset.Symbol = "USDC"
	}
	if cfg.Asset.Decimals == 0 {
		cfg.Asset.Decimals = 6
	}

	if cfg.Queue.MaxWait == 0 {
		cfg.Queue.MaxWait = queue.DefaultMaxWait
	}
	if cfg.Queue.MaxSlippageBps == 0 {
		cfg.Queue.MaxSlippageBps = queue.DefaultMaxSlippageBps
	}

	def := pool.DefaultConfig()
	if cfg.Pool.Lockup == 0 {
		cfg.Pool.Lockup = def.LockupPeriod
	}
	if cfg.Pool.InitialRate.IsZero() {
		cfg.Pool.InitialRate = def.InitialRate
	}
	if cfg.Pool.MinAmount.IsZero() {
		cfg.Pool.MinAmount = def.MinAmount
	}

	for i := range cfg.Markets {
		setMarketDefaults(&cfg.Markets[i], cfg.Asset.Decimals)
	}
}

func setMarketDefaults(m *MarketConfig, decimals int32) {
	if m.BaseFeeAbove == 0 {
		m.BaseFeeAbove = engine.DefaultBaseFee
	}
	if m.BaseFeeBelow == 0 {
		m.BaseFeeBelow = engine.DefaultBaseFee
	}
	if m.StepSize == 0 {
		m.StepSize = engine.DefaultStep
	}
	if len(m.NFTTierSteps) == 0 {
		m.NFTTierSteps = append([]int(nil), engine.DefaultNFTTierSteps...)
	}
	if m.AssetUtilizationLimit == 0 {
		m.AssetUtilizationLimit = engine.DefaultAssetUtilization
	}
	if m.OverallUtilizationLimit == 0 {
		m.OverallUtilizationLimit = engine.DefaultOverallUtilization
	}
	if m.MinPeriod == 0 {
		m.MinPeriod = 300
	}
	if m.MaxPeriod == 0 {
		m.MaxPeriod = engine.MaxPeriodCeiling
	}
	if m.MinFee.IsZero() {
		m.MinFee = unit(decimals)
	}
}
