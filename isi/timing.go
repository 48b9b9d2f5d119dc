package isi

// Tick-counted timing constants (one tick == 250ms, spec.md §3, §4.6,
// §4.8). Named after the original C library's macros so the grounding
// in DESIGN.md stays legible.
const (
	// tAuto is the Startup tick count at which the "warm" event fires
	// exactly once (spec.md §4.6 step 2).
	tAuto = 4 * 4 // 4 seconds

	// tCsmr is the minimum Startup tick count before CSMR reminders are
	// emitted (spec.md §4.6).
	tCsmr = 2 * 4

	// tCsmo is the short-timer re-arm interval for CSMO retransmission
	// while hosting an open enrollment (spec.md §4.7).
	tCsmo = 2 * 4

	// tEnroll is the overall enrollment timeout (~5 minutes, spec.md
	// §4.7).
	tEnroll = 5 * 60 * 4

	// tCsme is the member-side CSME re-trigger interval while Accepted
	// (spec.md §4.7).
	tCsme = 2 * 4

	// tRm bounds how long a DA device waits for a DIDRM after DIDRQ
	// (spec.md §4.8).
	tRm = 8 * 4

	// tColl is the DAS collection window after a matching DIDRQ/DIDRM
	// exchange (spec.md §4.8).
	tColl = 4 * 4

	// tCf bounds how long a DA device waits for DIDCF after a wink
	// (~1 minute, spec.md §4.8).
	tCf = 60 * 4

	// tAcq bounds a DAS's wait for a confirming operator action, and the
	// fetch-domain/fetch-device service-pin sniffing window (spec.md
	// §4.8).
	tAcq = 60 * 4

	// didrqRetries is the number of DIDRQ retries before giving up
	// (spec.md §4.8).
	didrqRetries = 20

	// didrqPause is the backoff between DIDRQ retries (spec.md §4.8).
	didrqPause = 5 * tRm

	// tCsmrPause is the minimum hesitation before a post-acquisition
	// CSMR burst (spec.md §4.8, §5).
	tCsmrPause = 4 * 4
)

// DAS device-count estimator constants (spec.md §4.8).
const (
	standardCredit = 5
	standardDebit  = 1
	maxCredit      = 128
	minEstimate    = 8
	maxEstimate    = 255
	liveTableSize  = 256
)
