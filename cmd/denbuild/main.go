package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/schollz/progressbar"

	"github.com/auradu2011/kaldi/chain"
	"github.com/auradu2011/kaldi/fsa"
	"github.com/auradu2011/kaldi/phonelm"
)

func main() {
	order := flag.Int("order", 4, "phone N-gram order")
	numPhones := flag.Int("phones", 0, "phone inventory size (required)")
	maxStates := flag.Int("max-states", 20000, "cap on full-order LM states (-1 = keep all)")
	statesPerPhone := flag.Int("states-per-phone", 1, "HMM states per phone")
	selfLoop := flag.Float64("self-loop", 0.5, "HMM self-loop probability")
	initIters := flag.Int("init-iters", 100, "iterations for the initial-probability vector")
	output := flag.String("output", "", "denominator graph output file (default: stdout)")
	initProbs := flag.String("init-probs", "", "initial-probability vector output file")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: denbuild -phones N [options] [alignment-files...]")
		fmt.Fprintln(os.Stderr, "  Builds the denominator graph for sequence-discriminative training.")
		fmt.Fprintln(os.Stderr, "  Input: one utterance per line, 1-based phone ids separated by spaces.")
		fmt.Fprintln(os.Stderr, "  If no input files given, reads from stdin.")
		fmt.Fprintln(os.Stderr)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *numPhones < 1 {
		flag.Usage()
		os.Exit(2)
	}

	b := phonelm.NewBuilder(*order, *numPhones)

	var seqCount int
	if flag.NArg() == 0 {
		seqCount = readAlignments(b, os.Stdin)
	} else {
		for _, path := range flag.Args() {
			f, err := os.Open(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "open %s: %v\n", path, err)
				continue
			}
			seqCount += readAlignments(b, f)
			f.Close()
		}
	}

	lm, err := b.Build(*maxStates)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build phone LM: %v\n", err)
		os.Exit(1)
	}
	if err := lm.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "phone LM: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Built %d-gram phone LM from %d utterances: %d states\n",
		*order, seqCount, len(lm.States))

	topo := chain.Topology{StatesPerPhone: *statesPerPhone, SelfLoopProb: *selfLoop}
	ctx := chain.MonophoneContext(*numPhones, *statesPerPhone)
	g, err := chain.ExpandPhoneLM(lm, ctx, topo)
	if err != nil {
		fmt.Fprintf(os.Stderr, "expand: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Expanded graph: %d states, %d arcs\n", g.NumStates(), g.NumArcs())

	bar := progressbar.New(chain.ShrinkRounds)
	for i := 0; i < chain.ShrinkRounds; i++ {
		g = fsa.Reverse(fsa.Minimize(fsa.Push(g)))
		bar.Add(1)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Shrunk graph: %d states, %d arcs\n", g.NumStates(), g.NumArcs())

	cfg := chain.DefaultConfig()
	cfg.InitIters = *initIters
	den, err := chain.NewDenominatorGraph(g, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "derive boundary probs: %v\n", err)
		os.Exit(1)
	}

	var w *os.File
	if *output != "" {
		w, err = os.Create(*output)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create %s: %v\n", *output, err)
			os.Exit(1)
		}
		defer w.Close()
	} else {
		w = os.Stdout
	}
	if err := den.Graph.WriteText(w); err != nil {
		fmt.Fprintf(os.Stderr, "write graph: %v\n", err)
		os.Exit(1)
	}

	if *initProbs != "" {
		f, err := os.Create(*initProbs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create %s: %v\n", *initProbs, err)
			os.Exit(1)
		}
		bw := bufio.NewWriter(f)
		for s, p := range den.InitialProbs {
			fmt.Fprintf(bw, "%d %.17g\n", s, p)
		}
		if err := bw.Flush(); err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", *initProbs, err)
			os.Exit(1)
		}
		f.Close()
	}

	fmt.Fprintf(os.Stderr, "Anchor state: %d\n", den.Anchor)
}

func readAlignments(b *phonelm.Builder, f *os.File) int {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	count := 0
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		seq := make([]phonelm.Phone, 0, len(fields))
		bad := false
		for _, tok := range fields {
			v, err := strconv.Atoi(tok)
			if err != nil {
				fmt.Fprintf(os.Stderr, "line %d: bad phone %q, skipping utterance\n", lineNo, tok)
				bad = true
				break
			}
			seq = append(seq, phonelm.Phone(v))
		}
		if bad {
			continue
		}
		if err := b.AddSequence(seq); err != nil {
			fmt.Fprintf(os.Stderr, "line %d: %v, skipping utterance\n", lineNo, err)
			continue
		}
		count++
	}
	return count
}
