package mars

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// verifierTemperature is the sampling temperature of the reserve judges that
// fill a panel when there are too few peer agents to reach the quorum.
const verifierTemperature = 0.3

// Verifier cross-checks a solution with every agent other than its author,
// topped up with reserve judges so that at least quorum judgments are made.
type Verifier struct {
	agents   []*Agent
	reserves []*Agent
	quorum   int
	query    string
	timeout  time.Duration
	inv      *invoker
}

func newVerifier(agents []*Agent, quorum int, query string, timeout time.Duration, inv *invoker) *Verifier {
	v := &Verifier{agents: agents, quorum: quorum, query: query, timeout: timeout, inv: inv}
	if len(agents) == 0 {
		return v
	}
	// Every author leaves len(agents)-1 peers; reserves cover the gap.
	for i := range max(quorum-(len(agents)-1), 0) {
		base := agents[0]
		v.reserves = append(v.reserves, NewAgent(fmt.Sprintf("verifier-%d", i+1), verifierTemperature, base.gen, base.maxTokens))
	}
	return v
}

// Judges returns the panel for a solution by authorID: the author's peers,
// followed by as many reserve judges as needed to reach the quorum. The
// author never judges its own work.
func (v *Verifier) Judges(authorID string) []*Agent {
	var out []*Agent
	for _, a := range v.agents {
		if a.ID != authorID {
			out = append(out, a)
		}
	}
	for _, r := range v.reserves {
		if len(out) >= v.quorum {
			break
		}
		out = append(out, r)
	}
	return out
}

// Verify runs one judgment per eligible judge concurrently. Records are
// returned in judge order; a judge call that fails after retries yields a
// Failed record rather than an error.
func (v *Verifier) Verify(ctx context.Context, s Solution) []VerificationRecord {
	judges := v.Judges(s.AgentID)
	records := make([]VerificationRecord, len(judges))

	var wg sync.WaitGroup
	for i, judge := range judges {
		wg.Go(func() {
			rec, err := invoke(ctx, v.inv, v.timeout, "judge", func(ctx context.Context) (VerificationRecord, error) {
				return judge.Judge(ctx, v.query, s)
			})
			if err != nil {
				v.inv.log.Warn("judge call failed", "judge", judge.ID, "solution", s.ID, "error", err)
				records[i] = VerificationRecord{
					JudgeID:    judge.ID,
					SolutionID: s.ID,
					Failed:     true,
					Error:      fmt.Errorf("%w: %w", ErrVerification, err).Error(),
					Timestamp:  time.Now().UTC(),
				}
				return
			}
			v.inv.spend(rec.TokenCount)
			records[i] = rec
		})
	}
	wg.Wait()
	return records
}
