package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/abgdnv/farmorders/internal/window"
	"github.com/abgdnv/farmorders/pkg/config"
	"github.com/abgdnv/farmorders/pkg/config/configloader"
)

var _ configloader.Validator = (*Config)(nil)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type Config struct {
	HTTPServer config.HTTPConfig       `koanf:"server"`
	Grpc       config.GrpcServerConfig `koanf:"grpc"`
	Store      StoreConfig             `koanf:"store"`
	Database   config.DatabaseConfig   `koanf:"database"`
	Resilience config.ResilienceConfig `koanf:"resilience"`
	Market     MarketConfig            `koanf:"market"`
	Log        config.LogConfig        `koanf:"log"`
	PProf      config.PProfConfig      `koanf:"pprof"`
	Telemetry  config.TelemetryConfig  `koanf:"telemetry"`
	Nats       config.NATSConfig       `koanf:"nats"`
	Subscriber config.SubscriberConfig `koanf:"subscriber"`
	IdP        config.IdP              `koanf:"idp"`
	Shutdown   config.ShutdownConfig   `koanf:"shutdown"`
}

// StoreConfig selects the tree backend.
type StoreConfig struct {
	Backend string `koanf:"backend"`
}

// MarketConfig holds the per-deployment market schedule.
type MarketConfig struct {
	Timezone       string `koanf:"timezone"`
	PickupDay      string `koanf:"pickupday"`
	DeadlineDay    string `koanf:"deadlineday"`
	DeadlineHour   int    `koanf:"deadlinehour"`
	DeadlineMinute int    `koanf:"deadlineminute"`
	Horizon        int    `koanf:"horizon"`
	// StrictMerge rejects merges that still carry UNDECIDED conflicts.
	StrictMerge bool `koanf:"strictmerge"`
}

// Defaults returns the values used when neither the config file nor the environment sets a key.
func Defaults() map[string]any {
	return map[string]any{
		"server.port":                                   8080,
		"server.maxHeaderBytes":                         1 << 20,
		"server.timeout.read":                           "5s",
		"server.timeout.write":                          "0s",
		"server.timeout.idle":                           "60s",
		"server.timeout.readHeader":                     "2s",
		"grpc.port":                                     "9090",
		"store.backend":                                 BackendMemory,
		"database.timeout":                              "5s",
		"database.migrations":                           "deploy/migrations",
		"resilience.retry.maxattempts":                  2,
		"resilience.retry.initialbackoff":               "50ms",
		"resilience.circuitbreaker.consecutivefailures": 5,
		"resilience.circuitbreaker.errorratepercent":    60,
		"resilience.circuitbreaker.opentimeout":         "10s",
		"market.timezone":                               "Local",
		"market.pickupday":                              "friday",
		"market.deadlineday":                            "tuesday",
		"market.deadlinehour":                           23,
		"market.deadlineminute":                         59,
		"market.horizon":                                4,
		"log.level":                                     "info",
		"subscriber.subject":                            "orders.>",
		"subscriber.consumer":                           "order-notifications",
		"subscriber.batch":                              10,
		"subscriber.timeout":                            "5s",
		"subscriber.interval":                           "1s",
		"subscriber.workers":                            2,
		"nats.timeout":                                  "5s",
		"nats.stream":                                   "ORDERS",
		"shutdown.timeout":                              "10s",
	}
}

func (c *Config) String() string {
	var b strings.Builder
	b.WriteString(c.HTTPServer.String())
	b.WriteString(c.Grpc.String())
	b.WriteString("\n--- Store ---\n")
	b.WriteString(fmt.Sprintf("  store.backend: %s\n", c.Store.Backend))
	if c.Store.Backend == BackendPostgres {
		b.WriteString(c.Database.String())
	}
	b.WriteString(c.Resilience.String())
	b.WriteString(c.Market.String())
	b.WriteString(c.Log.String())
	b.WriteString(c.PProf.String())
	b.WriteString(c.Telemetry.String())
	b.WriteString(c.Nats.String())
	b.WriteString(c.Subscriber.String())
	b.WriteString(c.IdP.String())
	b.WriteString(c.Shutdown.String())
	return b.String()
}

// Validate checks if the configuration values are valid
func (c *Config) Validate() error {
	if err := c.HTTPServer.Validate(); err != nil {
		return err
	}
	if err := c.Grpc.Validate(); err != nil {
		return err
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if err := c.Database.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if err := c.Resilience.Validate(); err != nil {
		return err
	}
	if err := c.Market.Validate(); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := c.PProf.Validate(); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if err := c.Nats.Validate(); err != nil {
		return err
	}
	if c.Subscriber.Enabled && !c.Nats.Enabled {
		return fmt.Errorf("subscriber is enabled but nats is not")
	}
	if err := c.Subscriber.Validate(); err != nil {
		return err
	}
	if err := c.IdP.Validate(); err != nil {
		return err
	}
	if err := c.Shutdown.Validate(); err != nil {
		return err
	}
	return nil
}

func (c *MarketConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- Market ---\n")
	b.WriteString(fmt.Sprintf("  market.timezone: %s\n", c.Timezone))
	b.WriteString(fmt.Sprintf("  market.pickupday: %s\n", c.PickupDay))
	b.WriteString(fmt.Sprintf("  market.deadline: %s %02d:%02d\n", c.DeadlineDay, c.DeadlineHour, c.DeadlineMinute))
	b.WriteString(fmt.Sprintf("  market.horizon: %d\n", c.Horizon))
	b.WriteString(fmt.Sprintf("  market.strictmerge: %t\n", c.StrictMerge))
	return b.String()
}

func (c *MarketConfig) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := parseWeekday(c.PickupDay); err != nil {
		return fmt.Errorf("market.pickupday: %w", err)
	}
	if _, err := parseWeekday(c.DeadlineDay); err != nil {
		return fmt.Errorf("market.deadlineday: %w", err)
	}
	if c.DeadlineHour < 0 || c.DeadlineHour > 23 {
		return fmt.Errorf("market.deadlinehour must be between 0 and 23")
	}
	if c.DeadlineMinute < 0 || c.DeadlineMinute > 59 {
		return fmt.Errorf("market.deadlineminute must be between 0 and 59")
	}
	if c.Horizon <= 0 {
		return fmt.Errorf("market.horizon must be greater than 0")
	}
	return nil
}

// Location resolves the market time zone. "Local" and "" mean the process zone.
func (c *MarketConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("market.timezone: %w", err)
	}
	return loc, nil
}

// Window converts the schedule into the edit window configuration. Call Validate first.
func (c *MarketConfig) Window() window.Config {
	pickup, _ := parseWeekday(c.PickupDay)
	deadline, _ := parseWeekday(c.DeadlineDay)
	return window.Config{
		PickupDay:      pickup,
		DeadlineDay:    deadline,
		DeadlineHour:   c.DeadlineHour,
		DeadlineMinute: c.DeadlineMinute,
		Horizon:        c.Horizon,
	}
}

func parseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(s, d.String()) || strings.EqualFold(s, d.String()[:3]) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
