package config

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingPolicy holds the tunable billing rules that operators may change at runtime.
type BillingPolicy struct {
	GraceDays          int           `mapstructure:"graceDays"`
	DunningOffsetsDays []int         `mapstructure:"dunningOffsetsDays"`
	DefaultTrialDays   int           `mapstructure:"defaultTrialDays"`
	WebhookTolerance   time.Duration `mapstructure:"webhookTolerance"`
	Gateway            GatewayPolicy `mapstructure:"gateway"`
}

// GatewayPolicy bounds outbound processor calls.
type GatewayPolicy struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxAttempts      int           `mapstructure:"maxAttempts"`
	BaseBackoff      time.Duration `mapstructure:"baseBackoff"`
	MaxBackoff       time.Duration `mapstructure:"maxBackoff"`
	MaxQueueAttempts int           `mapstructure:"maxQueueAttempts"`
	RetryDelay       time.Duration `mapstructure:"retryDelay"`
}

func DefaultBillingPolicy() BillingPolicy {
	return BillingPolicy{
		GraceDays:          14,
		DunningOffsetsDays: []int{3, 7, 14},
		DefaultTrialDays:   0,
		WebhookTolerance:   5 * time.Minute,
		Gateway: GatewayPolicy{
			Timeout:          5 * time.Second,
			MaxAttempts:      4,
			BaseBackoff:      200 * time.Millisecond,
			MaxBackoff:       5 * time.Second,
			MaxQueueAttempts: 10,
			RetryDelay:       10 * time.Minute,
		},
	}
}

type BillingPolicyHolder struct {
	current atomic.Value // holds BillingPolicy
}

// NewStaticBillingPolicyHolder returns a holder that never reloads.
func NewStaticBillingPolicyHolder(policy BillingPolicy) *BillingPolicyHolder {
	holder := &BillingPolicyHolder{}
	holder.current.Store(normalizeBillingPolicy(policy))
	return holder
}

func NewBillingPolicyHolder() (*BillingPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/billingcore")
	v.AddConfigPath(".")

	v.SetEnvPrefix("BILLINGCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return loadBillingPolicy(v, true)
}

func loadBillingPolicy(v *viper.Viper, watch bool) (*BillingPolicyHolder, error) {
	setBillingDefaults(v)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	policy, err := decodeBillingPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)

	if watch && fileLoaded {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeBillingPolicy(v)
			if err != nil {
				log.Printf("[billing-policy] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[billing-policy] reloaded from %s", e.Name)
		})
		v.WatchConfig()
	}

	return holder, nil
}

func setBillingDefaults(v *viper.Viper) {
	defaults := DefaultBillingPolicy()
	v.SetDefault("billing.graceDays", defaults.GraceDays)
	v.SetDefault("billing.dunningOffsetsDays", defaults.DunningOffsetsDays)
	v.SetDefault("billing.defaultTrialDays", defaults.DefaultTrialDays)
	v.SetDefault("billing.webhookTolerance", defaults.WebhookTolerance)
	v.SetDefault("billing.gateway.timeout", defaults.Gateway.Timeout)
	v.SetDefault("billing.gateway.maxAttempts", defaults.Gateway.MaxAttempts)
	v.SetDefault("billing.gateway.baseBackoff", defaults.Gateway.BaseBackoff)
	v.SetDefault("billing.gateway.maxBackoff", defaults.Gateway.MaxBackoff)
	v.SetDefault("billing.gateway.maxQueueAttempts", defaults.Gateway.MaxQueueAttempts)
	v.SetDefault("billing.gateway.retryDelay", defaults.Gateway.RetryDelay)
}

func decodeBillingPolicy(v *viper.Viper) (BillingPolicy, error) {
	var policy BillingPolicy
	if err := v.UnmarshalKey("billing", &policy); err != nil {
		return BillingPolicy{}, err
	}
	policy = normalizeBillingPolicy(policy)
	if err := validateBillingPolicy(policy); err != nil {
		return BillingPolicy{}, err
	}
	return policy, nil
}

func (h *BillingPolicyHolder) Get() BillingPolicy {
	return h.current.Load().(BillingPolicy)
}

func validateBillingPolicy(policy BillingPolicy) error {
	if policy.GraceDays < 0 {
		return errors.New("billing.graceDays cannot be negative")
	}
	if policy.DefaultTrialDays < 0 {
		return errors.New("billing.defaultTrialDays cannot be negative")
	}
	for _, offset := range policy.DunningOffsetsDays {
		if offset <= 0 {
			return fmt.Errorf("billing.dunningOffsetsDays must be positive, got %d", offset)
		}
	}
	if policy.Gateway.MaxAttempts <= 0 {
		return errors.New("billing.gateway.maxAttempts must be positive")
	}
	if policy.Gateway.Timeout <= 0 {
		return errors.New("billing.gateway.timeout must be positive")
	}
	return nil
}

func normalizeBillingPolicy(policy BillingPolicy) BillingPolicy {
	defaults := DefaultBillingPolicy()
	offsets := append([]int(nil), policy.DunningOffsetsDays...)
	if offsets == nil {
		offsets = defaults.DunningOffsetsDays
	}
	sort.Ints(offsets)
	policy.DunningOffsetsDays = offsets
	if policy.WebhookTolerance <= 0 {
		policy.WebhookTolerance = defaults.WebhookTolerance
	}
	if policy.Gateway.Timeout <= 0 {
		policy.Gateway.Timeout = defaults.Gateway.Timeout
	}
	if policy.Gateway.MaxAttempts <= 0 {
		policy.Gateway.MaxAttempts = defaults.Gateway.MaxAttempts
	}
	if policy.Gateway.BaseBackoff <= 0 {
		policy.Gateway.BaseBackoff = defaults.Gateway.BaseBackoff
	}
	if policy.Gateway.MaxBackoff <= 0 {
		policy.Gateway.MaxBackoff = defaults.Gateway.MaxBackoff
	}
	if policy.Gateway.MaxQueueAttempts <= 0 {
		policy.Gateway.MaxQueueAttempts = defaults.Gateway.MaxQueueAttempts
	}
	if policy.Gateway.RetryDelay <= 0 {
		policy.Gateway.RetryDelay = defaults.Gateway.RetryDelay
	}
	return policy
}
