package metrics

const (
	SyncModeH = "The current disciplining mode (0 start, 1 fast, 2 med, 3 slow)"
	SyncModeN = "gpsdo_sync_mode"

	SyncPhaseErrAvgH = "The current filtered phase error in nanoseconds"
	SyncPhaseErrAvgN = "gpsdo_sync_phase_err_avg_ns"

	SyncPPSErrAvgH = "The current filtered per-second frequency error in cycle units"
	SyncPPSErrAvgN = "gpsdo_sync_pps_err_avg"

	SyncTrimH = "The current oscillator trim in reduced DAC units"
	SyncTrimN = "gpsdo_sync_trim"

	SyncTuningH = "The last tuning value sent to the oscillator"
	SyncTuningN = "gpsdo_sync_tuning"

	SyncObsDiscardedH = "The total number of error observations discarded as implausible"
	SyncObsDiscardedN = "gpsdo_sync_obs_discarded"

	SyncPulsesMissedH = "The total number of captures spanning more than one second"
	SyncPulsesMissedN = "gpsdo_sync_pulses_missed"

	SyncQEDeferralsExpiredH = "The total number of captures fused with a zero quantization error after the deferral expired"
	SyncQEDeferralsExpiredN = "gpsdo_sync_qe_deferrals_expired"

	SyncGPSLockTransitionsH = "The total number of GPS fix state transitions"
	SyncGPSLockTransitionsN = "gpsdo_sync_gps_lock_transitions"

	SyncOscLockTransitionsH = "The total number of oscillator ready state transitions"
	SyncOscLockTransitionsN = "gpsdo_sync_osc_lock_transitions"

	SyncTrimPersistsH = "The total number of trim values written to the oscillator's non-volatile store"
	SyncTrimPersistsN = "gpsdo_sync_trim_persists"

	FETuningWritesH = "The total number of tuning frames written to the oscillator"
	FETuningWritesN = "gpsdo_fe_tuning_writes"

	FETuningSuppressedH = "The total number of tuning writes suppressed because the value was unchanged"
	FETuningSuppressedN = "gpsdo_fe_tuning_suppressed"

	GNSSSentencesH = "The total number of well-formed NMEA sentences handled"
	GNSSSentencesN = "gpsdo_gnss_sentences"

	GNSSSentencesDroppedH = "The total number of NMEA lines dropped as malformed"
	GNSSSentencesDroppedN = "gpsdo_gnss_sentences_dropped"
)
