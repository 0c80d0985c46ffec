package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-triage/internal/conditioner"
	"github.com/loqalabs/loqa-triage/internal/config"
	"github.com/loqalabs/loqa-triage/internal/risk"
	"github.com/loqalabs/loqa-triage/internal/runtime"
	"gopkg.in/yaml.v3"
)

var version = "0.1.0-dev"

const usage = "expected 'classify', 'condition', 'taxonomy' or 'version'"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "classify":
		err = classifyCmd(os.Args[2:], os.Stdin, os.Stdout)
	case "condition":
		err = conditionCmd(os.Args[2:], os.Stdout)
	case "taxonomy":
		err = taxonomyCmd(os.Args[2:], os.Stdout)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func classifyCmd(args []string, stdin io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("classify", flag.ContinueOnError)
	text := fs.String("text", "", "Transcript to classify; read from stdin when empty")
	taxonomyPath := fs.String("taxonomy", "", "Path to a taxonomy file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *text == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		*text = strings.TrimSpace(string(data))
	}
	tax, err := risk.LoadTaxonomy(*taxonomyPath)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(risk.NewWithTaxonomy(tax).Classify(*text))
}

func conditionCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("condition", flag.ContinueOnError)
	in := fs.String("in", "", "Input wav file")
	dst := fs.String("out", "conditioned.wav", "Output wav file")
	configPath := fs.String("config", "", "Read conditioner settings from a runtime config file")
	noDenoise := fs.Bool("no-denoise", false, "Skip spectral noise reduction")
	noNormalize := fs.Bool("no-normalize", false, "Skip peak normalization")
	rate := fs.Int("rate", 0, "Target sample rate override")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("condition: -in is required")
	}

	opts := conditioner.DefaultOptions()
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		opts = runtime.ConditionerOptions(cfg.Conditioner)
	}
	if *noDenoise {
		opts.NoiseReduction = false
	}
	if *noNormalize {
		opts.Normalize = false
	}
	if *rate > 0 {
		opts.TargetSampleRate = *rate
	}

	src, err := os.Open(*in)
	if err != nil {
		return err
	}
	defer src.Close()
	buf, err := conditioner.DecodeWAV(src)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	res, err := conditioner.New(opts, logger).Condition(buf)
	if err != nil {
		return err
	}

	f, err := os.Create(*dst)
	if err != nil {
		return err
	}
	if err := conditioner.EncodeWAV(f, res); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	fmt.Fprintf(out, "wrote %s (%d samples @ %d Hz)\n", *dst, len(res.Samples), res.SampleRate)
	for _, st := range res.Stages {
		status := "applied"
		if !st.Applied {
			status = "skipped: " + st.Reason
		}
		fmt.Fprintf(out, "  %-22s %s\n", st.Name, status)
	}
	return nil
}

func taxonomyCmd(args []string, out io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("expected 'taxonomy validate' or 'taxonomy dump'")
	}
	switch args[0] {
	case "validate":
		fs := flag.NewFlagSet("taxonomy validate", flag.ContinueOnError)
		path := fs.String("file", "taxonomy.yaml", "Path to taxonomy file")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		tax, err := risk.LoadTaxonomy(*path)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "taxonomy valid (%d categories)\n", len(tax.Categories()))
		return nil
	case "dump":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(risk.DefaultDefinition()); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown taxonomy command %q", args[0])
	}
}
