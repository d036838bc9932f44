package types

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/gosuri/uilive"
)

// ParallelExperiment describes one experiment of a parallel comparison. The
// environment is built lazily by the constructor with the index of the
// parallel slot the experiment is scheduled on, so that every slot gets its
// own isolated infrastructure.
type ParallelExperiment struct {
	Name   string
	Policy Policy
	// Constructor builds the environment for the given parallel slot
	Constructor func(parallelIndex int) (Environment, error)
}

// ParallelComparison runs experiments distributed over a fixed number of
// parallel slots and compares the resulting datasets. Analyzers are built
// per experiment through factories since experiments run concurrently.
type ParallelComparison struct {
	cConfig     *ComparisonConfig
	parallelism int

	experiments       []*ParallelExperiment
	analyzerFactories map[string]func() Analyzer
	comparators       map[string]Comparator
}

func NewParallelComparison(config *ComparisonConfig, parallelism int) *ParallelComparison {
	if parallelism < 1 {
		parallelism = 1
	}

	if _, ok := os.Stat(config.RecordPath); ok == nil {
		RemoveContents(config.RecordPath)
	}
	os.MkdirAll(config.RecordPath, 0777)
	os.MkdirAll(path.Join(config.RecordPath, "epReports"), 0777)
	if config.RecordTraces {
		os.MkdirAll(path.Join(config.RecordPath, "traces"), 0777)
	}
	if config.RecordTimes {
		os.MkdirAll(path.Join(config.RecordPath, "epTimes"), 0777)
	}
	if config.RecordPolicy {
		os.MkdirAll(path.Join(config.RecordPath, "policies"), 0777)
	}

	return &ParallelComparison{
		cConfig:     config,
		parallelism: parallelism,

		experiments:       make([]*ParallelExperiment, 0),
		analyzerFactories: make(map[string]func() Analyzer),
		comparators:       make(map[string]Comparator),
	}
}

// AddAnalysis registers an analyzer factory and the comparator for its datasets
func (p *ParallelComparison) AddAnalysis(name string, factory func() Analyzer, comparator Comparator) {
	p.analyzerFactories[name] = factory
	p.comparators[name] = comparator
}

func (p *ParallelComparison) AddExperiment(e *ParallelExperiment) {
	p.experiments = append(p.experiments, e)
}

func (p *ParallelComparison) recordConfig() {
	out := make(map[string]interface{})
	out["runs"] = p.cConfig.Runs
	out["episodes"] = p.cConfig.Episodes
	out["horizon"] = p.cConfig.Horizon
	out["parallelism"] = p.parallelism
	if p.cConfig.Timeout != 0 {
		out["timeout"] = p.cConfig.Timeout.String()
	}
	experiments := make([]string, 0)
	for _, e := range p.experiments {
		experiments = append(experiments, e.Name)
	}
	out["experiments"] = experiments

	bs, err := json.Marshal(out)
	if err != nil {
		panic(err)
	}
	f, err := os.Create(path.Join(p.cConfig.RecordPath, "comparison_config.json"))
	if err != nil {
		panic(err)
	}
	defer f.Close()
	f.Write(bs)
}

// Run the comparison, scheduling experiments over the parallel slots
func (p *ParallelComparison) Run(ctx context.Context) {
	p.recordConfig()

	slots := p.parallelism
	if slots > len(p.experiments) {
		slots = len(p.experiments)
	}
	if slots < 1 {
		return
	}

	longestNameLen := 0
	for _, e := range p.experiments {
		if len(e.Name) > longestNameLen {
			longestNameLen = len(e.Name)
		}
	}

	for run := 0; run < p.cConfig.Runs; run++ {
		fmt.Printf("Run %d\n", run+1)

		outputs := make([]*ParallelOutput, slots)
		for i := range outputs {
			outputs[i] = NewParallelOutput()
		}
		printer := NewTerminalPrinter(ctx, &outputs, 1)
		printer.Start()

		datasets := make(map[string][]DataSet)
		for name := range p.analyzerFactories {
			datasets[name] = make([]DataSet, len(p.experiments))
		}
		names := make([]string, len(p.experiments))

		type job struct {
			index int
			exp   *ParallelExperiment
		}
		jobCh := make(chan job)
		resultLock := new(sync.Mutex)
		wg := new(sync.WaitGroup)

		for w := 0; w < slots; w++ {
			wg.Add(1)
			go func(slot int) {
				defer wg.Done()
				for j := range jobCh {
					names[j.index] = j.exp.Name
					if ctx.Err() != nil {
						continue
					}
					output := outputs[slot]
					output.SetRunning(true)
					output.Set(fmt.Sprintf("Exp:%*s, starting environment", longestNameLen, j.exp.Name))

					env, err := j.exp.Constructor(slot)
					if err != nil {
						output.Set(fmt.Sprintf("Exp:%*s, failed to start: %s", longestNameLen, j.exp.Name, err))
						output.SetRunning(false)
						continue
					}

					analyzers := make(map[string]Analyzer)
					for name, factory := range p.analyzerFactories {
						analyzers[name] = factory()
					}
					rCfg := p.prepareRunConfig(ctx, run, longestNameLen, analyzers, output)

					experiment := NewExperiment(j.exp.Name, j.exp.Policy, env)
					experiment.Run(rCfg)
					env.Close()

					resultLock.Lock()
					for name, a := range analyzers {
						datasets[name][j.index] = a.DataSet()
					}
					resultLock.Unlock()
					output.SetRunning(false)
				}
			}(w)
		}

		for i, exp := range p.experiments {
			jobCh <- job{index: i, exp: exp}
		}
		close(jobCh)
		wg.Wait()
		printer.Stop()

		for name, comp := range p.comparators {
			comp(run, p.cConfig.Episodes, names, datasets[name])
		}
	}
}

func (p *ParallelComparison) prepareRunConfig(ctx context.Context, run, longestExpNameLen int, analyzers map[string]Analyzer, output *ParallelOutput) *experimentRunConfig {
	rCfg := &experimentRunConfig{
		CurrentRun:          run,
		Episodes:            p.cConfig.Episodes,
		Horizon:             p.cConfig.Horizon,
		Analyzers:           make([]Analyzer, 0),
		RecordTraces:        p.cConfig.RecordTraces,
		RecordTimes:         p.cConfig.RecordTimes,
		RecordPolicy:        p.cConfig.RecordPolicy,
		PrintLastTraces:     p.cConfig.PrintLastTraces,
		PrintLastTracesFunc: p.cConfig.PrintLastTracesFunc,
		ReportsConfig:       p.cConfig.ReportConfig,
		SavePath:            p.cConfig.RecordPath,
		EpisodeTimeout:      p.cConfig.Timeout,
		Context:             ctx,

		ConsecutiveTimeoutsAbort: p.cConfig.ConsecutiveTimeoutsAbort,
		ConsecutiveErrorsAbort:   p.cConfig.ConsecutiveErrorsAbort,

		LongestExpNameLen: longestExpNameLen,
		Output:            output,
	}

	if rCfg.ConsecutiveErrorsAbort == 0 {
		rCfg.ConsecutiveErrorsAbort = 10
	}
	if rCfg.ConsecutiveTimeoutsAbort == 0 {
		rCfg.ConsecutiveTimeoutsAbort = 10
	}

	for _, a := range analyzers {
		rCfg.Analyzers = append(rCfg.Analyzers, a)
	}
	return rCfg
}

// TERMINAL PRINTER

type TerminalPrinter struct {
	parallelOutputs *[]*ParallelOutput
	ctx             context.Context
	printerCtx      context.Context
	printerCancel   context.CancelFunc
	frequency       int

	writer  *uilive.Writer
	writers []io.Writer
}

func NewTerminalPrinter(ctx context.Context, parallelOutputs *[]*ParallelOutput, frequency int) *TerminalPrinter {
	printerCtx, cancel := context.WithCancel(ctx)
	size := len(*parallelOutputs)
	writers := make([]io.Writer, size)
	writer := uilive.New()
	for i := 0; i < size-1; i++ {
		writers[i] = writer.Newline()
	}

	return &TerminalPrinter{
		parallelOutputs: parallelOutputs,
		ctx:             ctx,
		printerCtx:      printerCtx,
		printerCancel:   cancel,
		frequency:       frequency,

		writer:  writer,
		writers: writers,
	}
}

func (p *TerminalPrinter) Start() {
	go func() {
		for {
			select {
			case <-p.printerCtx.Done():
				p.writer.Stop()
				return
			case <-p.ctx.Done():
				p.writer.Stop()
				return
			case <-time.After(time.Duration(p.frequency) * time.Second):
				p.print()
			}
		}
	}()
}

func (p *TerminalPrinter) Stop() {
	p.printerCancel()
}

func (p *TerminalPrinter) print() {
	for i, output := range *p.parallelOutputs {
		if !output.IsRunning() {
			continue
		}
		s := output.Get()

		if i == 0 {
			fmt.Fprint(p.writer, s+"\n")
		} else {
			fmt.Fprint(p.writers[i-1], s+"\n")
		}
	}
	p.writer.Flush()
}

// PARALLEL OUTPUT

// used to update and print experiment outputs
type ParallelOutput struct {
	mu        sync.Mutex
	printable string
	running   bool
}

func NewParallelOutput() *ParallelOutput {
	return &ParallelOutput{
		mu:        sync.Mutex{},
		printable: "",
		running:   false,
	}
}

// Set the output string (blocking)
func (p *ParallelOutput) Set(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printable = s
}

// Try to set the output string (non-blocking)
func (p *ParallelOutput) TrySet(s string) bool {
	success := p.mu.TryLock()
	if success {
		defer p.mu.Unlock()
		p.printable = s
		return true
	}
	return false
}

// Get the output string (blocking)
func (p *ParallelOutput) Get() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.printable
}

func (p *ParallelOutput) SetRunning(running bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = running
}

func (p *ParallelOutput) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
