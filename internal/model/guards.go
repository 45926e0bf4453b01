package model

// Gating reasons. Hard reasons block confirmation under every gating mode;
// soft reasons may be bypassed by ignore_soft / ignore_all.
const (
	GuardFallback         = "fallback"
	GuardPriceCacheFailed = "price_cache_failed"
	GuardNoPrice          = "no_price"
	GuardSpreadExceeded   = "spread_bps_exceeded"
	GuardLagExceeded      = "lag_sec_exceeded"
	GuardKillSwitch       = "kill_switch"
	GuardGuarded          = "guarded"

	GuardWeakSignal     = "weak_signal"
	GuardLowConsistency = "low_consistency"

	GuardWarmup            = "warmup"
	GuardDuplicate         = "duplicate_within_window"
	GuardInsufficientTicks = "reverse_cooldown_insufficient_ticks"
	GuardAdaptiveCooldown  = "adaptive_cooldown"
)

// HardGuards is the closed set of reasons that can never be ignored.
var HardGuards = map[string]bool{
	GuardFallback:         true,
	GuardPriceCacheFailed: true,
	GuardNoPrice:          true,
	GuardSpreadExceeded:   true,
	GuardLagExceeded:      true,
	GuardKillSwitch:       true,
	GuardGuarded:          true,
}

// SoftGuards holds the reasons a permissive gating mode may bypass.
var SoftGuards = map[string]bool{
	GuardWeakSignal:     true,
	GuardLowConsistency: true,
}

// IsHardGuard reports whether reason belongs to the hard set.
func IsHardGuard(reason string) bool { return HardGuards[reason] }

// IsSoftGuard reports whether reason belongs to the soft set.
func IsSoftGuard(reason string) bool { return SoftGuards[reason] }
