package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-engine/internal/calendar"
	"github.com/atmx/options-engine/internal/engine"
	"github.com/atmx/options-engine/internal/exchange"
	"github.com/atmx/options-engine/internal/pool"
	"github.com/atmx/options-engine/internal/queue"
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func unit(decimals int32) decimal.Decimal {
	return decimal.New(1, decimals)
}

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.JWTSecret == "" {
		return errors.New("server.jwt_secret is required")
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 1 {
		return errors.New("server.rate_limit must be >= 0 and server.rate_burst >= 1")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required when kafka.brokers is set")
	}
	if c.Asset.Decimals < 1 || c.Asset.Decimals > 36 {
		return fmt.Errorf("asset.decimals must be between 1 and 36, got %d", c.Asset.Decimals)
	}
	if len(c.Referral.Steps) != len(c.Referral.Rebates) {
		return fmt.Errorf("referral.steps (%d) and referral.rebates (%d) must have the same length",
			len(c.Referral.Steps), len(c.Referral.Rebates))
	}
	if !c.Pool.InitialRate.IsPositive() {
		return errors.New("pool.initial_rate must be > 0")
	}
	if c.Pool.MaxLiquidity.IsNegative() {
		return errors.New("pool.max_liquidity must be >= 0")
	}
	if len(c.Markets) == 0 {
		return errors.New("at least one market is required")
	}
	_, err := c.Exchange()
	return err
}

// Exchange converts the configuration into the exchange's start-up config.
func (c *Config) Exchange() (exchange.Config, error) {
	admin, err := parseAddress("admin", c.Admin)
	if err != nil {
		return exchange.Config{}, err
	}
	if len(c.Oracle.Signers) == 0 {
		return exchange.Config{}, errors.New("oracle.signers requires at least one address")
	}
	signers := make([]common.Address, 0, len(c.Oracle.Signers))
	for i, s := range c.Oracle.Signers {
		a, err := parseAddress(fmt.Sprintf("oracle.signers[%d]", i), s)
		if err != nil {
			return exchange.Config{}, err
		}
		signers = append(signers, a)
	}

	out := exchange.Config{
		Admin:         admin,
		Signers:       signers,
		AssetSymbol:   c.Asset.Symbol,
		AssetDecimals: c.Asset.Decimals,
		Queue: queue.Config{
			MaxWait:           c.Queue.MaxWait,
			MaxSlippageBps:    c.Queue.MaxSlippageBps,
			PrivateKeeperMode: c.Queue.PrivateKeeperMode,
		},
		Pool: pool.Config{
			LockupPeriod: c.Pool.Lockup,
			InitialRate:  c.Pool.InitialRate,
			MaxLiquidity: c.Pool.MaxLiquidity,
			MinAmount:    c.Pool.MinAmount,
		},
		ReferralSteps:   c.Referral.Steps,
		ReferralRebates: c.Referral.Rebates,
	}

	seen := make(map[string]bool, len(c.Markets))
	for i, m := range c.Markets {
		prefix := fmt.Sprintf("markets[%d]", i)
		if m.ID == "" {
			return exchange.Config{}, fmt.Errorf("%s.id is required", prefix)
		}
		if seen[m.ID] {
			return exchange.Config{}, fmt.Errorf("%s.id %q is duplicated", prefix, m.ID)
		}
		seen[m.ID] = true
		spec, err := m.spec(prefix, c.Asset.Decimals)
		if err != nil {
			return exchange.Config{}, err
		}
		out.Markets = append(out.Markets, spec)
	}
	return out, nil
}

func (m MarketConfig) spec(prefix string, decimals int32) (exchange.MarketSpec, error) {
	recipient, err := parseAddress(prefix+".recipient", m.Recipient)
	if err != nil {
		return exchange.MarketSpec{}, err
	}
	ec := engine.Config{
		Market:                  m.ID,
		Decimals:                decimals,
		BaseFeeAbove:            m.BaseFeeAbove,
		BaseFeeBelow:            m.BaseFeeBelow,
		StepSize:                m.StepSize,
		NFTTierSteps:            m.NFTTierSteps,
		AssetUtilizationLimit:   m.AssetUtilizationLimit,
		OverallUtilizationLimit: m.OverallUtilizationLimit,
		FeePerTxnLimit:          m.FeePerTxnLimit,
		MinPeriod:               m.MinPeriod,
		MaxPeriod:               m.MaxPeriod,
		MinFee:                  m.MinFee,
		SettlementFeeRecipient:  recipient,
		TraderNFTEnabled:        m.TraderNFT,
		CalendarGated:           m.CalendarGated,
	}
	if err := ec.Validate(); err != nil {
		return exchange.MarketSpec{}, fmt.Errorf("%s: %w", prefix, err)
	}

	spec := exchange.MarketSpec{Engine: ec}
	if !m.CalendarGated {
		return spec, nil
	}
	if len(m.Windows) == 0 {
		return exchange.MarketSpec{}, fmt.Errorf("%s.windows is required when calendar_gated is set", prefix)
	}
	cal := calendar.NewWeekly()
	for name, w := range m.Windows {
		day, ok := weekdays[strings.ToLower(name)]
		if !ok {
			return exchange.MarketSpec{}, fmt.Errorf("%s.windows: unknown weekday %q", prefix, name)
		}
		if err := cal.Set(day, w); err != nil {
			return exchange.MarketSpec{}, fmt.Errorf("%s.windows.%s: %w", prefix, name, err)
		}
	}
	spec.Calendar = cal
	return spec, nil
}

func parseAddress(field, v string) (common.Address, error) {
	if v == "" {
		return common.Address{}, fmt.Errorf("%s is required", field)
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%s: %q is not a hex address", field, v)
	}
	a := common.HexToAddress(v)
	if a == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%s must not be the zero address", field)
	}
	return a, nil
}
