package cmd

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalundhe/callguard/core/admission"
	"github.com/adalundhe/callguard/core/breaker"
	"github.com/adalundhe/callguard/core/config"
	"github.com/adalundhe/callguard/core/providers"
	"github.com/adalundhe/callguard/core/resilience"
)

var (
	simRequests    int
	simConcurrency int
	simIdentities  int
	simPayloads    int
	simActions     []string
	simProvider    string
	simFailureRate float64
	simLatency     time.Duration
	simSeed        uint64
	simRealBackoff bool
	simOutput      string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Drive the call pipeline with synthetic traffic",
	Long: `Send a burst of requests through the configured pipeline and print the
resulting outcome counts, cache statistics, breaker states and admission table.

Unless --provider names a configured provider, calls go to a synthetic provider
that fails --failure-rate of the time.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	f := simulateCmd.Flags()
	f.IntVarP(&simRequests, "requests", "n", 200, "number of requests to send")
	f.IntVar(&simConcurrency, "concurrency", 8, "concurrent callers")
	f.IntVar(&simIdentities, "identities", 10, "distinct caller identities")
	f.IntVar(&simPayloads, "payloads", 25, "distinct payloads, fewer means more cache hits")
	f.StringSliceVar(&simActions, "actions", []string{"completion", "submission"}, "actions to cycle through")
	f.StringVar(&simProvider, "provider", "synthetic", "provider to call")
	f.Float64Var(&simFailureRate, "failure-rate", 0.2, "synthetic provider failure probability")
	f.DurationVar(&simLatency, "latency", 5*time.Millisecond, "synthetic provider latency")
	f.Uint64Var(&simSeed, "seed", 1, "random seed")
	f.BoolVar(&simRealBackoff, "real-backoff", false, "sleep through retry delays instead of skipping them")
	f.StringVarP(&simOutput, "output", "o", formatAuto, "output format: auto, table, yaml, json")
}

// simulation describes one synthetic traffic run.
type simulation struct {
	Requests    int
	Concurrency int
	Identities  int
	Payloads    int
	Actions     []admission.Action
	Provider    string
	Seed        uint64

	// Synthetic provider behavior, used when Provider is not configured.
	FailureRate float64
	Latency     time.Duration
	RealBackoff bool
}

type simulationReport struct {
	Requests int                 `json:"requests" yaml:"requests"`
	Elapsed  time.Duration       `json:"elapsed" yaml:"elapsed"`
	Outcomes map[string]int      `json:"outcomes" yaml:"outcomes"`
	Reasons  map[string]int      `json:"fallback_reasons" yaml:"fallback_reasons"`
	Stats    resilience.Snapshot `json:"stats" yaml:"stats"`
}

// descriptors generates the request stream deterministically from Seed.
func (s simulation) descriptors() []resilience.RequestDescriptor {
	rng := rand.New(rand.NewPCG(s.Seed, s.Seed+1))
	actions := s.Actions
	if len(actions) == 0 {
		actions = []admission.Action{admission.ActionCompletion}
	}

	out := make([]resilience.RequestDescriptor, s.Requests)
	for i := range out {
		out[i] = resilience.RequestDescriptor{
			Identity: fmt.Sprintf("user-%03d", rng.IntN(max(1, s.Identities))),
			Action:   actions[i%len(actions)],
			Priority: resilience.Priority(rng.IntN(int(resilience.PriorityCritical) + 1)),
			Provider: s.Provider,
			Payload:  fmt.Sprintf("question %d", rng.IntN(max(1, s.Payloads))),
		}
	}
	return out
}

// run sends every descriptor through orch with bounded concurrency.
func (s simulation) run(ctx context.Context, orch *resilience.Orchestrator, call resilience.OutboundCall) simulationReport {
	descs := s.descriptors()
	report := simulationReport{
		Requests: len(descs),
		Outcomes: make(map[string]int),
		Reasons:  make(map[string]int),
	}

	jobs := make(chan resilience.RequestDescriptor)
	var mu sync.Mutex
	var wg sync.WaitGroup

	start := time.Now()
	for range max(1, s.Concurrency) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for desc := range jobs {
				res := orch.Execute(ctx, desc, call)

				mu.Lock()
				report.Outcomes[res.Outcome.String()]++
				if res.Outcome == resilience.OutcomeDegradedFallback {
					report.Reasons[res.Reason]++
				}
				mu.Unlock()
			}
		}()
	}

	for _, desc := range descs {
		select {
		case jobs <- desc:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()

	report.Elapsed = time.Since(start)
	report.Stats = orch.Stats()
	return report
}

func runSimulate(cmd *cobra.Command, args []string) error {
	format, err := resolveFormat(simOutput, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if simFailureRate < 0 || simFailureRate > 1 {
		return fmt.Errorf("--failure-rate must be between 0 and 1")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	actions := make([]admission.Action, len(simActions))
	for i, a := range simActions {
		actions[i] = admission.Action(a)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	report, err := simulate(ctx, cfg, cmd.ErrOrStderr(), simulation{
		Requests:    simRequests,
		Concurrency: simConcurrency,
		Identities:  simIdentities,
		Payloads:    simPayloads,
		Actions:     actions,
		Provider:    simProvider,
		Seed:        simSeed,
		FailureRate: simFailureRate,
		Latency:     simLatency,
		RealBackoff: simRealBackoff,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if format != formatTable {
		return writeStructured(out, format, report)
	}

	fmt.Fprintf(out, "%d requests in %s\n\n", report.Requests, report.Elapsed.Round(time.Millisecond))
	return writeSnapshotTable(out, report.Stats)
}

// simulate builds a runtime from cfg and runs sim against it.
func simulate(ctx context.Context, cfg *config.Config, logOut io.Writer, sim simulation) (simulationReport, error) {
	logger := cfg.Log.Logger(cfg.Log.Writer(logOut))

	opts := []config.BuildOption{config.WithLogger(logger)}
	if !sim.RealBackoff {
		opts = append(opts, config.WithExecutorOptions(breaker.WithSleep(skipSleep)))
	}

	rt, err := config.Build(ctx, cfg, opts...)
	if err != nil {
		return simulationReport{}, err
	}
	defer rt.Close()

	var call resilience.OutboundCall
	if p, ok := rt.Providers[sim.Provider]; ok {
		call = providers.Call(p)
	} else {
		call = providers.Call(newSyntheticProvider(sim.Provider, sim.FailureRate, sim.Latency, sim.Seed))
	}

	return sim.run(ctx, rt.Orchestrator, call), nil
}

// skipSleep replaces retry delays so simulations finish quickly.
func skipSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
