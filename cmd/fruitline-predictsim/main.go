// Package main — cmd/fruitline-predictsim/main.go
//
// Predictive-prepositioning gain simulator.
//
// Purpose: before enabling orchestrator.Config.PredictivePrepositioning on a
// real line, validate that starting the group-positioner move early (on a
// guess at the next fruit's category) nets positive time savings rather than
// thrashing on mispredictions.
//
// Model (SPEC_FULL §4.8's predictive prepositioning, simplified to a Markov
// category stream):
//
//	Fruit categories arrive as a first-order Markov chain: with probability
//	persist the next category repeats the last one; otherwise it is drawn
//	uniformly from the other categories. This approximates the batch
//	clustering real orchard lines exhibit (a run of apples, then a run of
//	pears) far better than an i.i.d. uniform stream would.
//
//	The orchestrator's own predictor (internal/orchestrator's
//	predictedCategory) guesses "the last observed category" once at least
//	10 samples of history exist — so prediction accuracy here is exactly
//	P(repeat) = persist.
//
//	Per fruit:
//	  - A correct prediction overlaps the group move with capture/detection
//	    latency, saving up to moveTimeS of wall-clock time (capped by the
//	    detection latency available to overlap with).
//	  - A wrong prediction pays moveTimeS twice: once for the mispredicted
//	    move, once for the corrective re-move (internal/orchestrator cancels
//	    and redoes — see its EmergencyStop-on-mispredict path).
//
// Dominance condition: mean net gain per fruit > 0 with P > 0.95 across the
// simulated run (i.e. predictive prepositioning is worth enabling).
//
// Output: per-step CSV to stdout (step, category, predicted, correct,
// net_gain_s). Summary to stderr.
//
// Usage:
//
//	fruitline-predictsim [flags]
//	fruitline-predictsim -steps 10000 -persist 0.6 -move-time-s 3.0 -detect-latency-s 0.4
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"
)

func main() {
	steps := flag.Int("steps", 10000, "Number of simulated fruit arrivals")
	groups := flag.Int("groups", 3, "Number of labeler groups/categories")
	persist := flag.Float64("persist", 0.5, "Probability the next category repeats the last one, in [0,1]")
	moveTimeS := flag.Float64("move-time-s", 3.0, "Full raise+lower positioner move time in seconds")
	detectLatencyS := flag.Float64("detect-latency-s", 0.4, "Detection pipeline latency available to overlap with a prepositioning move")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()

	if *persist < 0 || *persist > 1 {
		fmt.Fprintln(os.Stderr, "ERROR: persist must be in [0, 1]")
		os.Exit(1)
	}
	if *groups < 2 {
		fmt.Fprintln(os.Stderr, "ERROR: groups must be >= 2")
		os.Exit(1)
	}
	if *moveTimeS <= 0 || *detectLatencyS < 0 {
		fmt.Fprintln(os.Stderr, "ERROR: move-time-s must be > 0 and detect-latency-s must be >= 0")
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(*seed))

	sim := NewSimulator(*steps, *groups, *persist, *moveTimeS, *detectLatencyS, rng)
	results := sim.Run()

	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"step", "category", "predicted", "correct", "net_gain_s"})
	for _, r := range results {
		_ = w.Write([]string{
			strconv.Itoa(r.Step),
			strconv.Itoa(r.Category),
			strconv.Itoa(r.Predicted),
			strconv.FormatBool(r.Correct),
			strconv.FormatFloat(r.NetGainS, 'f', 6, 64),
		})
	}
	w.Flush()

	var totalGain float64
	positiveSteps := 0
	for _, r := range results {
		totalGain += r.NetGainS
		if r.NetGainS > 0 {
			positiveSteps++
		}
	}
	meanGain := totalGain / float64(*steps)
	positiveFraction := float64(positiveSteps) / float64(*steps)

	fmt.Fprintf(os.Stderr, "\n=== PREDICTIVE PREPOSITIONING GAIN RESULT ===\n")
	fmt.Fprintf(os.Stderr, "Persistence probability:      %.4f\n", *persist)
	fmt.Fprintf(os.Stderr, "Mean net gain per fruit:       %.4f s\n", meanGain)
	fmt.Fprintf(os.Stderr, "Steps with positive gain:      %d / %d (%.1f%%)\n",
		positiveSteps, *steps, positiveFraction*100)
	fmt.Fprintf(os.Stderr, "Dominance condition (P > 0.95): %v\n", positiveFraction > 0.95)

	if meanGain > 0 && positiveFraction > 0.95 {
		fmt.Fprintf(os.Stderr, "RESULT: PASS — predictive prepositioning is worth enabling at this persistence level\n")
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "RESULT: FAIL — mispredictions outweigh the gain at this persistence level\n")
	fmt.Fprintf(os.Stderr, "  Leave predictive_prepositioning disabled, or wait for higher category clustering.\n")
	os.Exit(2)
}

// StepResult holds the outcome of one simulated fruit arrival.
type StepResult struct {
	Step      int
	Category  int
	Predicted int
	Correct   bool
	NetGainS  float64
}

// Simulator runs the predictive-prepositioning Markov simulation.
type Simulator struct {
	steps          int
	groups         int
	persist        float64
	moveTimeS      float64
	detectLatencyS float64
	rng            *rand.Rand
}

// NewSimulator creates a configured Simulator.
func NewSimulator(steps, groups int, persist, moveTimeS, detectLatencyS float64, rng *rand.Rand) *Simulator {
	return &Simulator{
		steps:          steps,
		groups:         groups,
		persist:        persist,
		moveTimeS:      moveTimeS,
		detectLatencyS: detectLatencyS,
		rng:            rng,
	}
}

// Run executes the simulation and returns per-step results.
// Complexity: O(steps). Memory: O(steps) for the result slice.
func (s *Simulator) Run() []StepResult {
	results := make([]StepResult, s.steps)

	category := s.rng.Intn(s.groups)
	havePrediction := false
	predicted := 0

	for t := 0; t < s.steps; t++ {
		if havePrediction {
			correct := predicted == category
			var gain float64
			if correct {
				gain = minF(s.moveTimeS, s.detectLatencyS)
			} else {
				gain = -s.moveTimeS
			}
			results[t] = StepResult{Step: t, Category: category, Predicted: predicted, Correct: correct, NetGainS: gain}
		} else {
			results[t] = StepResult{Step: t, Category: category, Predicted: -1, Correct: false, NetGainS: 0}
		}

		// The orchestrator's predictor guesses "repeat the last observed
		// category" (internal/orchestrator's predictedCategory).
		predicted = category
		havePrediction = true

		category = s.nextCategory(category)
	}

	return results
}

// nextCategory draws the next category from the Markov chain: repeats the
// current one with probability persist, otherwise switches uniformly to one
// of the other groups.
func (s *Simulator) nextCategory(current int) int {
	if s.rng.Float64() < s.persist {
		return current
	}
	next := s.rng.Intn(s.groups - 1)
	if next >= current {
		next++
	}
	return next
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
