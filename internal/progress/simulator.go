package progress

import (
	"math/rand/v2"
	"time"
)

// simulatedStep is the upper bound of one simulated increment.
const simulatedStep = 15.0

func randomFloat() float64 {
	return rand.Float64()
}

// simulate advances the indicator by a random step every interval until it
// reaches 100 or the reporter finishes.
func (p *Reporter) simulate(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	value := 0.0
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
		value += p.relay.random() * simulatedStep
		if value >= 100 {
			p.Report(100)
			return
		}
		p.Report(value)
	}
}
