package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	backendConfig      string
	logFormat          string
	logLevel           string
	metricsAddr        string
	logMetricsEvery    time.Duration
	cyclicDivisor      int
	queueCapacity      int
	mdnsEnable         bool
	mdnsName           string
	relayListenAddr    string
	relayMaxClients    int
	relayHandshakeTO   time.Duration
	relayReadTO        time.Duration
	relayHubBuffer     int
	relayHubPolicy     string
	relayFlushInterval time.Duration
	relayBatchSize     int
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	backendConfig := flag.String("config", "gocan.ini", "INI file selecting and configuring the transport back-end")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	cyclicDivisor := flag.Int("cyclic-divisor", 3, "Sweep oversampling factor N for the cyclic scheduler")
	queueCapacity := flag.Int("queue-capacity", 500, "Facade loopback queue capacity (gocan.WithQueueCapacity); has no effect unless loopback mode is enabled")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default gocan-gatewayd-<hostname>)")
	relayListen := flag.String("relay-listen", "", "TCP listen address for the monitor/relay server; empty disables")
	relayMaxClients := flag.Int("relay-max-clients", 0, "Maximum simultaneous relay clients (0 = unlimited)")
	relayHandshakeTO := flag.Duration("relay-handshake-timeout", 3*time.Second, "Relay client handshake timeout")
	relayReadTO := flag.Duration("relay-read-timeout", 60*time.Second, "Relay per-connection read deadline")
	relayHubBuffer := flag.Int("relay-hub-buffer", 512, "Per-client relay hub buffer (frames)")
	relayHubPolicy := flag.String("relay-hub-policy", "drop", "Relay backpressure policy: drop|kick")
	relayFlushInterval := flag.Duration("relay-flush-interval", 5*time.Millisecond, "Relay write batching flush interval")
	relayBatchSize := flag.Int("relay-batch-size", 64, "Relay write batching max batch size")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.backendConfig = *backendConfig
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.cyclicDivisor = *cyclicDivisor
	cfg.queueCapacity = *queueCapacity
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.relayListenAddr = *relayListen
	cfg.relayMaxClients = *relayMaxClients
	cfg.relayHandshakeTO = *relayHandshakeTO
	cfg.relayReadTO = *relayReadTO
	cfg.relayHubBuffer = *relayHubBuffer
	cfg.relayHubPolicy = *relayHubPolicy
	cfg.relayFlushInterval = *relayFlushInterval
	cfg.relayBatchSize = *relayBatchSize

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open the backend config file or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.relayHubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid relay-hub-policy: %s", c.relayHubPolicy)
	}
	if c.backendConfig == "" {
		return errors.New("config must name a backend INI file")
	}
	if c.cyclicDivisor <= 0 {
		return fmt.Errorf("cyclic-divisor must be > 0 (got %d)", c.cyclicDivisor)
	}
	if c.queueCapacity <= 0 {
		return fmt.Errorf("queue-capacity must be > 0 (got %d)", c.queueCapacity)
	}
	if c.relayHubBuffer <= 0 {
		return fmt.Errorf("relay-hub-buffer must be > 0 (got %d)", c.relayHubBuffer)
	}
	if c.relayMaxClients < 0 {
		return fmt.Errorf("relay-max-clients must be >= 0")
	}
	if c.relayHandshakeTO <= 0 {
		return errors.New("relay-handshake-timeout must be > 0")
	}
	if c.relayReadTO <= 0 {
		return errors.New("relay-read-timeout must be > 0")
	}
	if c.relayBatchSize <= 0 {
		return errors.New("relay-batch-size must be > 0")
	}
	return nil
}

// applyEnvOverrides maps GOCAN_GATEWAYD_* environment variables onto cfg
// unless the matching flag was explicitly set (flags win over env).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["config"]; !ok {
		if v, ok := get("GOCAN_GATEWAYD_CONFIG"); ok && v != "" {
			c.backendConfig = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("GOCAN_GATEWAYD_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("GOCAN_GATEWAYD_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("GOCAN_GATEWAYD_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("GOCAN_GATEWAYD_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GOCAN_GATEWAYD_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["cyclic-divisor"]; !ok {
		if v, ok := get("GOCAN_GATEWAYD_CYCLIC_DIVISOR"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.cyclicDivisor = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GOCAN_GATEWAYD_CYCLIC_DIVISOR: %w", err)
			}
		}
	}
	if _, ok := set["queue-capacity"]; !ok {
		if v, ok := get("GOCAN_GATEWAYD_QUEUE_CAPACITY"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.queueCapacity = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GOCAN_GATEWAYD_QUEUE_CAPACITY: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("GOCAN_GATEWAYD_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("GOCAN_GATEWAYD_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["relay-listen"]; !ok {
		if v, ok := get("GOCAN_GATEWAYD_RELAY_LISTEN"); ok {
			c.relayListenAddr = v
		}
	}
	if _, ok := set["relay-max-clients"]; !ok {
		if v, ok := get("GOCAN_GATEWAYD_RELAY_MAX_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.relayMaxClients = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GOCAN_GATEWAYD_RELAY_MAX_CLIENTS: %w", err)
			}
		}
	}
	if _, ok := set["relay-hub-policy"]; !ok {
		if v, ok := get("GOCAN_GATEWAYD_RELAY_HUB_POLICY"); ok && v != "" {
			c.relayHubPolicy = v
		}
	}
	if _, ok := set["relay-hub-buffer"]; !ok {
		if v, ok := get("GOCAN_GATEWAYD_RELAY_HUB_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.relayHubBuffer = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid GOCAN_GATEWAYD_RELAY_HUB_BUFFER: %w", err)
			}
		}
	}
	return firstErr
}
