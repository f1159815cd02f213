/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/acceptance"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/metrics"
	"github.com/llm-d/llm-d-spec-verifier/pkg/specdecode/pool"
	"github.com/llm-d/llm-d-spec-verifier/pkg/utils"
	"github.com/llm-d/llm-d-spec-verifier/pkg/utils/logging"
)

type options struct {
	batch        int
	k            int
	vocab        int
	steps        int
	contexts     int
	strategies   string
	distribution string
	seed         uint64
	configPath   string
	disableBonus bool
	strict       bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "verify-bench",
		Short:         "Benchmark speculative-decoding verification on synthetic batches",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}

			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, opts, cfg)

			strategies, err := utils.SliceMapE(strings.Split(opts.strategies, ","), parseStrategy)
			if err != nil {
				return err
			}
			dist, err := parseDistribution(opts.distribution)
			if err != nil {
				return err
			}

			results := make([]benchResult, 0, len(strategies))
			for _, strategy := range strategies {
				res, err := runBench(cmd.Context(), cfg, strategy, dist, opts)
				if err != nil {
					return fmt.Errorf("benchmark %s failed: %w", strategy, err)
				}
				results = append(results, res)
			}

			renderResults(cmd.OutOrStdout(), results)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.batch, "batch", 8, "sequences per step")
	flags.IntVar(&opts.k, "k", 4, "draft tokens per sequence")
	flags.IntVar(&opts.vocab, "vocab", 32000, "vocabulary size")
	flags.IntVar(&opts.steps, "steps", 100, "verification steps per strategy")
	flags.IntVar(&opts.contexts, "contexts", 0, "execution contexts (0 keeps the config value)")
	flags.StringVar(&opts.strategies, "strategy", "typical", "comma-separated acceptance strategies (typical, rejection)")
	flags.StringVar(&opts.distribution, "distribution", "mixed", "target rows: onehot, uniform or mixed")
	flags.Uint64Var(&opts.seed, "seed", 1, "random seed")
	flags.StringVar(&opts.configPath, "config", "", "YAML or JSON pool configuration file")
	flags.BoolVar(&opts.disableBonus, "disable-bonus", true, "never emit bonus tokens")
	flags.BoolVar(&opts.strict, "strict", false, "reject out-of-vocabulary draft and bonus ids")

	return cmd
}

func (o *options) validate() error {
	switch {
	case o.batch < 0:
		return fmt.Errorf("--batch must not be negative, got %d", o.batch)
	case o.k < 1:
		return fmt.Errorf("--k must be at least 1, got %d", o.k)
	case o.vocab < 1:
		return fmt.Errorf("--vocab must be at least 1, got %d", o.vocab)
	case o.steps < 0:
		return fmt.Errorf("--steps must not be negative, got %d", o.steps)
	case o.contexts < 0:
		return fmt.Errorf("--contexts must not be negative, got %d", o.contexts)
	}
	return nil
}

// loadConfig reads a pool configuration; an empty path yields the defaults.
func loadConfig(path string) (*pool.Config, error) {
	cfg := pool.DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.VerifierConfig == nil {
		cfg.VerifierConfig = specdecode.NewDefaultConfig()
	}
	if cfg.VerifierConfig.AcceptanceConfig == nil {
		cfg.VerifierConfig.AcceptanceConfig = acceptance.DefaultConfig()
	}

	return cfg, nil
}

// applyFlags overlays flags the user set explicitly onto the loaded config.
func applyFlags(cmd *cobra.Command, opts *options, cfg *pool.Config) {
	if opts.contexts > 0 {
		cfg.Contexts = opts.contexts
	}
	if cmd.Flags().Changed("disable-bonus") || opts.configPath == "" {
		cfg.VerifierConfig.DisableBonusTokens = opts.disableBonus
	}
	if cmd.Flags().Changed("strict") {
		cfg.VerifierConfig.StrictMode = opts.strict
	}
}

func parseStrategy(s string) (acceptance.StrategyType, error) {
	switch st := acceptance.StrategyType(strings.TrimSpace(s)); st {
	case acceptance.TypicalAcceptance, acceptance.RejectionSampling:
		return st, nil
	default:
		return "", fmt.Errorf("unknown strategy %q", s)
	}
}

type benchResult struct {
	Strategy       acceptance.StrategyType
	Batch          int
	K              int
	Vocab          int
	Steps          int
	Failures       int
	MeanLatency    time.Duration
	AcceptanceRate float64
	EmittedPerStep float64
}

func (r benchResult) row() []string {
	return []string{
		string(r.Strategy),
		strconv.Itoa(r.Batch),
		strconv.Itoa(r.K),
		strconv.Itoa(r.Vocab),
		strconv.Itoa(r.Steps),
		strconv.Itoa(r.Failures),
		r.MeanLatency.String(),
		strconv.FormatFloat(r.AcceptanceRate, 'f', 3, 64),
		strconv.FormatFloat(r.EmittedPerStep, 'f', 2, 64),
	}
}

// runBench pushes opts.steps synthetic steps through a fresh pool and reads
// the outcome back from the verifier metrics.
func runBench(ctx context.Context, base *pool.Config, strategy acceptance.StrategyType,
	dist distribution, opts *options,
) (benchResult, error) {
	logger := klog.FromContext(ctx).WithName("verify-bench")

	cfg := *base
	verifierConfig := *base.VerifierConfig
	acceptanceConfig := *base.VerifierConfig.AcceptanceConfig
	acceptanceConfig.Strategy = strategy
	verifierConfig.AcceptanceConfig = &acceptanceConfig
	verifierConfig.EnableMetrics = true
	cfg.VerifierConfig = &verifierConfig

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p, err := pool.NewPool(ctx, &cfg)
	if err != nil {
		return benchResult{}, err
	}
	p.Start(ctx)
	defer p.Shutdown(ctx)

	before, err := metrics.Read()
	if err != nil {
		return benchResult{}, err
	}

	gen := newGenerator(opts.seed, dist, opts.batch, opts.k, opts.vocab)
	outcomes := make([]<-chan pool.Outcome, 0, opts.steps)
	for step := range opts.steps {
		req := gen.request(strategy == acceptance.RejectionSampling, uint64(step)) //nolint:gosec // step >= 0
		done, err := p.Submit(ctx, fmt.Sprintf("group-%d", step), req)
		if err != nil {
			return benchResult{}, err
		}
		outcomes = append(outcomes, done)
	}

	res := benchResult{Strategy: strategy, Batch: opts.batch, K: opts.k, Vocab: opts.vocab, Steps: opts.steps}
	for _, done := range outcomes {
		if out := <-done; out.Err != nil {
			res.Failures++
			logger.V(logging.VERBOSE).Info("step failed", "context", out.ContextID, "error", out.Err)
		}
	}

	after, err := metrics.Read()
	if err != nil {
		return benchResult{}, err
	}

	delta := metrics.Snapshot{
		DraftTokens:    after.DraftTokens - before.DraftTokens,
		AcceptedTokens: after.AcceptedTokens - before.AcceptedTokens,
		EmittedTokens:  after.EmittedTokens - before.EmittedTokens,
		LatencyCount:   after.LatencyCount - before.LatencyCount,
		LatencySum:     after.LatencySum - before.LatencySum,
	}
	res.AcceptanceRate = delta.AcceptanceRate()
	if delta.LatencyCount > 0 {
		res.MeanLatency = time.Duration(delta.LatencySum / float64(delta.LatencyCount) * float64(time.Second))
	}
	if opts.steps > 0 {
		res.EmittedPerStep = delta.EmittedTokens / float64(opts.steps)
	}

	return res, nil
}

func renderResults(w io.Writer, results []benchResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"STRATEGY", "BATCH", "K", "VOCAB", "STEPS", "FAILED", "MEAN LATENCY", "ACCEPTANCE", "EMITTED/STEP"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(utils.SliceMap(results, benchResult.row))
	table.Render()
}
