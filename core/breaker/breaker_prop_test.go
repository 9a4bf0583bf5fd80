package breaker

import (
	"testing"
	"time"

	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/relaycore/llmcore/core/classify"
)

func classFor(step string) classify.Class {
	switch step {
	case "transport":
		return classify.Transport
	case "fatal":
		return classify.Fatal
	case "ratelimit":
		return classify.RateLimit
	default:
		return classify.None
	}
}

// TestProp_BreakerMonotonicity replays a random admitted-outcome sequence
// and checks the §8 monotonicity property in its operational form: any
// point at which Threshold consecutive counted failures (Transport/Fatal)
// have been recorded with no intervening success leaves the breaker
// non-Closed, and it stays non-Closed until a success is recorded after
// the recovery timeout.
func TestProp_BreakerMonotonicity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := Config{
			Threshold:         rapid.IntRange(2, 6).Draw(t, "threshold"),
			RecoveryTimeout:   time.Hour, // never elapses within one test case
			HalfOpenSuccesses: 3,
			HalfOpenMaxCalls:  3,
		}
		s := New(cfg, zap.NewNop())
		const ep = "prov/model"

		consecutiveFailures := 0
		steps := rapid.SliceOfN(rapid.SampledFrom([]string{"success", "transport", "fatal", "ratelimit"}), 1, 60).Draw(t, "steps")
		for i, step := range steps {
			admitted := s.Admit(ep) == Proceed
			switch step {
			case "success":
				if admitted {
					s.Record(ep, Success, classFor("success"))
					consecutiveFailures = 0
				}
			case "transport", "fatal":
				if admitted {
					s.Record(ep, Failure, classFor(step))
					consecutiveFailures++
				}
			case "ratelimit":
				if admitted {
					// RateLimit never counts toward the breaker.
					s.Record(ep, Failure, classFor("ratelimit"))
				}
			}

			state := s.State(ep)
			if consecutiveFailures >= cfg.Threshold && state == Closed {
				t.Fatalf("step %d (%s): %d consecutive counted failures but breaker still Closed", i, step, consecutiveFailures)
			}
			// With RecoveryTimeout an hour out, an Open breaker admits
			// nothing, so consecutiveFailures can only be reset by a success
			// recorded while Closed.
			if state == Open && s.Admit(ep) == Proceed {
				t.Fatalf("step %d: Open breaker admitted a call before recovery timeout", i)
			}
		}
	})
}
