package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := validAppConfig()

	os.Setenv("GOCAN_GATEWAYD_CYCLIC_DIVISOR", "5")
	os.Setenv("GOCAN_GATEWAYD_MDNS_ENABLE", "true")
	os.Setenv("GOCAN_GATEWAYD_RELAY_LISTEN", ":21000")
	os.Setenv("GOCAN_GATEWAYD_LOG_METRICS_INTERVAL", "5s")
	t.Cleanup(func() {
		os.Unsetenv("GOCAN_GATEWAYD_CYCLIC_DIVISOR")
		os.Unsetenv("GOCAN_GATEWAYD_MDNS_ENABLE")
		os.Unsetenv("GOCAN_GATEWAYD_RELAY_LISTEN")
		os.Unsetenv("GOCAN_GATEWAYD_LOG_METRICS_INTERVAL")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.cyclicDivisor != 5 {
		t.Fatalf("expected cyclicDivisor override, got %d", base.cyclicDivisor)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.relayListenAddr != ":21000" {
		t.Fatalf("expected relayListenAddr override, got %q", base.relayListenAddr)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s, got %v", base.logMetricsEvery)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := validAppConfig()
	base.cyclicDivisor = 3
	os.Setenv("GOCAN_GATEWAYD_CYCLIC_DIVISOR", "7")
	t.Cleanup(func() { os.Unsetenv("GOCAN_GATEWAYD_CYCLIC_DIVISOR") })

	if err := applyEnvOverrides(base, map[string]struct{}{"cyclic-divisor": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.cyclicDivisor != 3 {
		t.Fatalf("expected cyclicDivisor unchanged at 3, got %d", base.cyclicDivisor)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	base := validAppConfig()
	os.Setenv("GOCAN_GATEWAYD_RELAY_HUB_BUFFER", "notint")
	t.Cleanup(func() { os.Unsetenv("GOCAN_GATEWAYD_RELAY_HUB_BUFFER") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}
