package config

import (
	"fmt"
	"os"
	"strconv"
)

// ApplyEnv layers the recognized environment overrides on top of the file
// values. Overrides are read exactly once, at startup.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("RUN_ID"); v != "" {
		c.RunID = v
	}
	if v := os.Getenv("V13_SINK"); v != "" {
		c.Sink = v
	}
	if v := os.Getenv("V13_INPUT_MODE"); v != "" {
		c.InputMode = v
	}
	if v := os.Getenv("V13_REPLAY_MODE"); v != "" {
		b, err := parseBool("V13_REPLAY_MODE", v)
		if err != nil {
			return err
		}
		c.ReplayMode = b
	}
	if v := os.Getenv("SQLITE_BATCH_N"); v != "" {
		n, err := parseInt("SQLITE_BATCH_N", v)
		if err != nil {
			return err
		}
		c.Sqlite.BatchN = n
	}
	if v := os.Getenv("SQLITE_FLUSH_MS"); v != "" {
		n, err := parseInt("SQLITE_FLUSH_MS", v)
		if err != nil {
			return err
		}
		c.Sqlite.FlushMs = int64(n)
	}
	if v := os.Getenv("FSYNC_EVERY_N"); v != "" {
		n, err := parseInt("FSYNC_EVERY_N", v)
		if err != nil {
			return err
		}
		c.FsyncEveryN = n
	}
	if v := os.Getenv("ROLLOVER_TZ"); v != "" {
		c.Backtest.RolloverTimezone = v
	}
	if v := os.Getenv("ROLLOVER_HOUR"); v != "" {
		n, err := parseInt("ROLLOVER_HOUR", v)
		if err != nil {
			return err
		}
		c.Backtest.RolloverHour = n
	}
	if v := os.Getenv("TAKER_FEE_BPS"); v != "" {
		f, err := parseFloat("TAKER_FEE_BPS", v)
		if err != nil {
			return err
		}
		c.Backtest.TakerFeeBps = f
	}
	if v := os.Getenv("SLIPPAGE_BPS"); v != "" {
		f, err := parseFloat("SLIPPAGE_BPS", v)
		if err != nil {
			return err
		}
		c.Backtest.SlippageBps = f
	}
	if v := os.Getenv("NOTIONAL_PER_TRADE"); v != "" {
		f, err := parseFloat("NOTIONAL_PER_TRADE", v)
		if err != nil {
			return err
		}
		c.Backtest.NotionalPerTrade = f
	}
	if v := os.Getenv("IGNORE_GATING"); v != "" {
		b, err := parseBool("IGNORE_GATING", v)
		if err != nil {
			return err
		}
		c.Backtest.IgnoreGatingInBacktest = b
	}
	if v := os.Getenv("TIMESERIES_ENABLED"); v != "" {
		b, err := parseBool("TIMESERIES_ENABLED", v)
		if err != nil {
			return err
		}
		c.Timeseries.Enabled = b
	}
	if v := os.Getenv("TIMESERIES_TYPE"); v != "" {
		c.Timeseries.Type = v
	}
	if v := os.Getenv("TIMESERIES_URL"); v != "" {
		c.Timeseries.URL = v
	}
	return nil
}

func parseBool(name, v string) (bool, error) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("env %s: invalid bool %q", name, v)
	}
	return b, nil
}

func parseInt(name, v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("env %s: invalid int %q", name, v)
	}
	return n, nil
}

func parseFloat(name, v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("env %s: invalid float %q", name, v)
	}
	return f, nil
}
