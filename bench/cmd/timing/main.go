// Package main — bench/cmd/timing/main.go
//
// Trigger-to-labeler-fire timing accuracy bench.
//
// Measures how closely the Orchestrator's timer-based scheduling
// (internal/orchestrator's sleepUntil, used to fire the labeler at
// t0 + T_pos_move + T_preroll relative to the trigger's own monotonic
// timestamp) lands on its target, against the `|t_f − expected| ≤ 50ms`
// invariant (§8 Testable Property 2).
//
// Method:
//  1. For each iteration, pick a target offset from the trigger timestamp
//     (T_pos_move + T_preroll, swept across the configured range to cover
//     both already-at-group (T_pos_move=0) and full-move cases).
//  2. Schedule a fire using the exact timer idiom internal/orchestrator
//     uses (time.NewTimer + select on ctx.Done()).
//  3. Record the deviation between actual and expected fire time.
//
// This does not drive real hardware; it validates the scheduling primitive
// in isolation, the same way the teacher's latency tool isolates syscall
// overhead from the rest of the network stack.
//
// Output CSV columns: iteration, expected_offset_us, deviation_us, within_target
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// targetToleranceUs is the §8 Testable Property 2 bound: 50ms.
const targetToleranceUs = 50_000

func main() {
	iterations := flag.Int("iterations", 2000, "Number of scheduled fires to measure")
	outputFile := flag.String("output", "timing_raw.csv", "Output CSV file path")
	minOffsetMS := flag.Int("min-offset-ms", 0, "Minimum expected offset in milliseconds (already-at-group case)")
	maxOffsetMS := flag.Int("max-offset-ms", 3500, "Maximum expected offset in milliseconds (raise+lower+preroll case)")
	flag.Parse()

	if *minOffsetMS < 0 || *maxOffsetMS < *minOffsetMS {
		fmt.Fprintln(os.Stderr, "ERROR: require 0 <= min-offset-ms <= max-offset-ms")
		os.Exit(1)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "expected_offset_us", "deviation_us", "within_target"})

	span := *maxOffsetMS - *minOffsetMS
	ctx := context.Background()

	var (
		withinTarget int
		hist         = make([]int, 0, *iterations) // abs deviation in microseconds, for percentiles
	)

	for i := 0; i < *iterations; i++ {
		offsetMS := *minOffsetMS
		if span > 0 {
			offsetMS += (i * span) / *iterations
		}
		expected := time.Duration(offsetMS) * time.Millisecond

		t0 := time.Now()
		sleepUntil(ctx, t0.Add(expected))
		actual := time.Since(t0)

		deviation := actual - expected
		deviationUs := deviation.Microseconds()
		absDeviationUs := deviationUs
		if absDeviationUs < 0 {
			absDeviationUs = -absDeviationUs
		}

		within := absDeviationUs <= targetToleranceUs
		if within {
			withinTarget++
		}
		hist = append(hist, int(absDeviationUs))

		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.FormatInt(expected.Microseconds(), 10),
			strconv.FormatInt(deviationUs, 10),
			strconv.FormatBool(within),
		})
	}

	p50, p95, p99 := percentiles(hist)

	fmt.Printf("Trigger-to-Fire Timing Accuracy Results (%d iterations)\n", *iterations)
	fmt.Printf("  Within ±%dms target: %d/%d (%.1f%%)\n", targetToleranceUs/1000,
		withinTarget, *iterations, float64(withinTarget)/float64(*iterations)*100)
	fmt.Printf("  abs deviation p50: %dus\n", p50)
	fmt.Printf("  abs deviation p95: %dus\n", p95)
	fmt.Printf("  abs deviation p99: %dus\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	if p99 > targetToleranceUs {
		fmt.Fprintf(os.Stderr, "FAIL: p99 abs deviation %dus exceeds %dus target\n", p99, targetToleranceUs)
		os.Exit(1)
	}
}

// sleepUntil mirrors internal/orchestrator's sleepUntil exactly: a timer
// that can be cut short by context cancellation.
func sleepUntil(ctx context.Context, target time.Time) {
	d := time.Until(target)
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// percentiles computes p50/p95/p99 of an unsorted sample slice by sorting a
// copy in place.
func percentiles(samples []int) (p50, p95, p99 int) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	sorted := make([]int, len(samples))
	copy(sorted, samples)
	insertionSort(sorted)

	idx := func(pct float64) int {
		i := int(pct * float64(len(sorted)-1))
		if i < 0 {
			i = 0
		}
		if i >= len(sorted) {
			i = len(sorted) - 1
		}
		return i
	}
	return sorted[idx(0.50)], sorted[idx(0.95)], sorted[idx(0.99)]
}

// insertionSort sorts small-to-moderate histogram sample slices in place.
// Bench tooling, not hot-path code — O(n^2) is fine at these iteration counts.
func insertionSort(v []int) {
	for i := 1; i < len(v); i++ {
		x := v[i]
		j := i - 1
		for j >= 0 && v[j] > x {
			v[j+1] = v[j]
			j--
		}
		v[j+1] = x
	}
}
