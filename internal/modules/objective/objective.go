package objective

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/convexfund/cbsearch/internal/modules/backtest"
	"github.com/convexfund/cbsearch/internal/modules/space"
)

// Objective evaluates one trial end to end: decode, then score over the
// run's fixed window. Scoring timeouts prune the trial; any other scoring
// failure propagates so the run policy can decide.
type Objective struct {
	decoder *Decoder
	scorer  backtest.Scorer
	window  backtest.Window
	timeout time.Duration
	log     zerolog.Logger
}

// New creates an objective. timeout <= 0 disables the per-trial deadline.
func New(decoder *Decoder, scorer backtest.Scorer, window backtest.Window, timeout time.Duration, log zerolog.Logger) *Objective {
	return &Objective{
		decoder: decoder,
		scorer:  scorer,
		window:  window,
		timeout: timeout,
		log:     log.With().Str("component", "objective").Logger(),
	}
}

// Window returns the fixed evaluation window.
func (o *Objective) Window() backtest.Window {
	return o.window
}

// Evaluate decodes and scores one trial. The score is never substituted: a
// trial either has a real score from the service or it has none.
func (o *Objective) Evaluate(ctx context.Context, params *space.TrialParameters) (float64, *backtest.Combination, error) {
	combo, err := o.decoder.Decode(params)
	if err != nil {
		return 0, nil, err
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	score, err := o.scorer.Score(ctx, combo, o.window)
	if err != nil {
		if backtest.IsTimeout(err) {
			o.log.Warn().Int("trial", params.TrialID).Err(err).Msg("Scoring timed out, pruning trial")
			return 0, combo, fmt.Errorf("%w: scoring timed out: %v", ErrTrialPruned, err)
		}
		return 0, combo, err
	}

	o.log.Info().
		Int("trial", params.TrialID).
		Float64("cagr", score).
		Str("strategy", combo.PrimaryStrategy).
		Str("secondary", combo.SecondaryStrategy).
		Int("factors", len(combo.Factors)).
		Bool("guided", params.Guided).
		Msg("Trial scored")

	return score, combo, nil
}
