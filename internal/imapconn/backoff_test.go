package imapconn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Factor:       2.0,
	}

	require.Equal(t, time.Second, cfg.Delay(0))
	require.Equal(t, 2*time.Second, cfg.Delay(1))
	require.Equal(t, 4*time.Second, cfg.Delay(2))
	require.Equal(t, 60*time.Second, cfg.Delay(10))
	require.Equal(t, 60*time.Second, cfg.Delay(100))
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	cfg := DefaultBackoff()

	for attempt := 0; attempt < 12; attempt++ {
		base := BackoffConfig{
			InitialDelay: cfg.InitialDelay,
			MaxDelay:     cfg.MaxDelay,
			Factor:       cfg.Factor,
		}.Delay(attempt)

		for i := 0; i < 20; i++ {
			d := cfg.Delay(attempt)
			require.GreaterOrEqual(t, d, base)
			require.LessOrEqual(t, d, cfg.MaxDelay)
		}
	}
}

func TestBackoffZeroConfigUsesDefaults(t *testing.T) {
	var cfg BackoffConfig
	d := cfg.Delay(0)
	require.Equal(t, time.Second, d)
}
