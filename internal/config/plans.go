package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	plandomain "github.com/phraiz/phraiz/internal/plan/domain"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var defaultPlanConfigPaths = []string{
	"/var/lib/phraiz/config", // Volume-mounted config
	"/etc/phraiz",            // System config
	".",                      // Current directory (dev mode)
}

// PlanConfigHolder keeps the current plan table and swaps it on file changes.
type PlanConfigHolder struct {
	current atomic.Value // holds plandomain.Config
	version atomic.Uint64
}

func NewPlanConfigHolder() (*PlanConfigHolder, error) {
	return NewPlanConfigHolderFromPaths(defaultPlanConfigPaths...)
}

// NewPlanConfigHolderFromPaths reads plans.yml from the first path that has one.
func NewPlanConfigHolderFromPaths(paths ...string) (*PlanConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("plans")
	v.SetConfigType("yml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("PHRAIZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &PlanConfigHolder{}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		holder.store(plandomain.DefaultConfig().Normalized())
		return holder, nil
	}

	cfg, err := decodePlanConfig(v)
	if err != nil {
		return nil, err
	}
	holder.store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePlanConfig(v)
		if err != nil {
			zap.L().Warn("plan config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.store(updated)
		zap.L().Info("plan config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PlanConfigHolder) Get() plandomain.Config {
	return h.current.Load().(plandomain.Config)
}

// Version increases on every accepted reload.
func (h *PlanConfigHolder) Version() uint64 {
	return h.version.Load()
}

func (h *PlanConfigHolder) store(cfg plandomain.Config) {
	h.current.Store(cfg)
	h.version.Add(1)
}

func decodePlanConfig(v *viper.Viper) (plandomain.Config, error) {
	var cfg plandomain.Config
	if err := v.UnmarshalKey("plans", &cfg); err != nil {
		return plandomain.Config{}, err
	}
	if len(cfg.PremiumModes) == 0 {
		cfg.PremiumModes = plandomain.DefaultConfig().PremiumModes
	}
	cfg = cfg.Normalized()
	if err := cfg.Validate(); err != nil {
		return plandomain.Config{}, err
	}
	return cfg, nil
}
