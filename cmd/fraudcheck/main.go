package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fraudguard/internal/cfg"
	"fraudguard/internal/client"
	"fraudguard/internal/dataset"
	"fraudguard/internal/features"
	"fraudguard/internal/ml"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const usage = `usage: fraudcheck <command> [flags]

commands:
  score     score one transaction
  evaluate  score a labelled CSV export and report metrics
  fit       fit encoding tables and scaling parameters from a CSV export
  models    list, register, activate or roll back model versions
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "score":
		err = runScore(ctx, args)
	case "evaluate":
		err = runEvaluate(ctx, args)
	case "fit":
		err = runFit(args)
	case "models":
		err = runModels(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("fraudcheck failed")
	}
}

func setupLogging(level string) {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		l = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(l)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// resolveModelPath uses the flag, then MODEL_PATH, then the active version in the
// configured models directory.
func resolveModelPath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	c, err := cfg.Load()
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	if c.ModelPath != "" {
		return c.ModelPath, nil
	}
	mm, err := ml.NewModelManager(c.ModelsDir)
	if err != nil {
		return "", err
	}
	v, ok := mm.GetCurrentVersion()
	if !ok {
		return "", fmt.Errorf("pass -model or activate a version in %s", c.ModelsDir)
	}
	return v.Path, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runScore(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	var (
		modelPath = fs.String("model", "", "Path to model artifact (default: configured model)")
		remote    = fs.String("remote", "", "Score on a running server instead, e.g. http://localhost:8000")
		timeout   = fs.Duration("timeout", 5*time.Second, "Remote request timeout")
		logLevel  = fs.String("log-level", "warn", "Log level: debug, info, warn, error")
		asJSON    = fs.Bool("json", false, "Print the result as JSON")
	)
	txFlags := bindTransactionFlags(fs)
	fs.Parse(args)
	setupLogging(*logLevel)

	tx, err := txFlags.transaction(fs)
	if err != nil {
		return err
	}

	var (
		result  ml.PredictionResult
		version string
	)
	if *remote != "" {
		resp, err := client.New(*remote, *timeout).Predict(ctx, tx)
		if err != nil {
			return err
		}
		result, version = resp.PredictionResult, resp.ModelVersion
	} else {
		path, err := resolveModelPath(*modelPath)
		if err != nil {
			return err
		}
		p, err := ml.LoadPipeline(path, nil)
		if err != nil {
			return err
		}
		if result, err = p.PredictTransaction(tx); err != nil {
			return err
		}
		version = p.Artifact().Version()
	}

	risk := features.Profile(tx)
	if *asJSON {
		return printJSON(map[string]any{
			"model_version": version,
			"result":        result,
			"risk":          risk,
		})
	}

	fmt.Println("=== Prediction ===")
	fmt.Printf("Model Version: %s\n", version)
	fmt.Printf("Label: %s\n", result.Label)
	fmt.Printf("Confidence: %.2f%%\n", result.Confidence)
	fmt.Printf("P(safe): %.4f  P(fraud): %.4f\n", result.ProbSafe, result.ProbFraud)
	fmt.Printf("Amount: %s  Time: %s  Age: %s  Day: %s\n", risk.AmountLevel, risk.TimeOfDay, risk.AgeGroup, risk.DayType)
	for _, f := range risk.Factors {
		fmt.Printf("  - %s\n", f)
	}
	return nil
}

// transactionFlags holds the score flags. Every one must be given explicitly;
// an unset flag is reported instead of scoring its default.
type transactionFlags struct {
	category, gender, state string
	amount                  float64
	age, hour               int
	weekend                 bool
}

func bindTransactionFlags(fs *flag.FlagSet) *transactionFlags {
	f := &transactionFlags{}
	fs.StringVar(&f.category, "category", "", "Merchant category, e.g. grocery_pos (required)")
	fs.Float64Var(&f.amount, "amount", 0, "Amount in USD (required)")
	fs.StringVar(&f.gender, "gender", "", "Cardholder gender, M or F (required)")
	fs.StringVar(&f.state, "state", "", "Two-letter US state code, e.g. CA (required)")
	fs.IntVar(&f.age, "age", 0, "Cardholder age in years (required)")
	fs.IntVar(&f.hour, "hour", 0, "Hour of day, 0-23 (required)")
	fs.BoolVar(&f.weekend, "weekend", false, "Weekend transaction, true or false (required)")
	return f
}

func (f *transactionFlags) transaction(fs *flag.FlagSet) (features.Transaction, error) {
	var in features.TransactionInput
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "category":
			in.Category = &f.category
		case "amount":
			in.Amount = &f.amount
		case "gender":
			in.Gender = &f.gender
		case "state":
			in.State = &f.state
		case "age":
			in.Age = &f.age
		case "hour":
			in.Hour = &f.hour
		case "weekend":
			in.IsWeekend = &f.weekend
		}
	})
	return in.Transaction()
}

func runEvaluate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	var (
		modelPath = fs.String("model", "", "Path to model artifact (default: configured model)")
		remote    = fs.String("remote", "", "Score on a running server instead")
		timeout   = fs.Duration("timeout", 5*time.Second, "Remote request timeout")
		dataPath  = fs.String("data", "", "Labelled CSV export (required)")
		refYear   = fs.Int("ref-year", 0, "Year ages are computed against (default: current year)")
		limit     = fs.Int("limit", 0, "Stop after this many rows (0 = all)")
		strict    = fs.Bool("strict", false, "Fail on the first malformed row")
		workers   = fs.Int("workers", 0, "Parallel scoring workers (default: GOMAXPROCS)")
		logLevel  = fs.String("log-level", "info", "Log level: debug, info, warn, error")
		asJSON    = fs.Bool("json", false, "Print the report as JSON")
		output    = fs.String("output", "", "Also write summary, per-row CSV and JSON reports to this directory")
	)
	fs.Parse(args)
	setupLogging(*logLevel)

	if *dataPath == "" {
		return fmt.Errorf("-data is required")
	}

	ds, err := dataset.Load(*dataPath, dataset.Options{ReferenceYear: *refYear, Strict: *strict, Limit: *limit})
	if err != nil {
		return err
	}
	log.Info().
		Int("records", len(ds.Records)).
		Int("frauds", ds.Frauds()).
		Int("skipped", len(ds.Skipped)).
		Msg("Dataset loaded")

	var (
		predictor ml.TransactionPredictor
		recorded  *ml.ModelMetadata
		version   string
	)
	if *remote != "" {
		c := client.New(*remote, *timeout)
		if info, err := c.ModelInfo(ctx); err == nil {
			version, _ = info["version"].(string)
		}
		predictor = c
	} else {
		path, err := resolveModelPath(*modelPath)
		if err != nil {
			return err
		}
		p, err := ml.LoadPipeline(path, nil)
		if err != nil {
			return err
		}
		predictor, recorded, version = p, p.Artifact().Metadata, p.Artifact().Version()
	}

	start := time.Now()
	scored, err := dataset.ScoreAll(ctx, predictor, ds.Records, *workers)
	if err != nil {
		return err
	}
	outcomes, rejected := dataset.Outcomes(scored)
	report := ml.Evaluate(outcomes)
	log.Info().
		Int("scored", len(outcomes)).
		Int("rejected", rejected).
		Dur("elapsed", time.Since(start)).
		Msg("Scoring complete")

	for _, s := range scored {
		if s.Err != nil {
			log.Debug().Int("row", s.Record.Row).Err(s.Err).Msg("Row rejected by pipeline")
		}
	}

	full := &dataset.Report{
		ModelVersion: version,
		DataPath:     *dataPath,
		GeneratedAt:  time.Now(),
		Evaluation:   report,
		Recorded:     recorded,
		Rejected:     rejected,
		Skipped:      len(ds.Skipped),
		Scored:       scored,
	}
	if *output != "" {
		if err := dataset.NewReporter(full, *output).GenerateReport(); err != nil {
			return err
		}
	}

	if *asJSON {
		return printJSON(full)
	}

	fmt.Println("=== Evaluation ===")
	fmt.Printf("Model Version: %s\n", version)
	fmt.Printf("Samples: %d (rejected %d, skipped %d)\n", report.Samples, rejected, len(ds.Skipped))
	printMetric("Accuracy", report.Accuracy, recorded, func(md *ml.ModelMetadata) float64 { return md.Accuracy })
	printMetric("Precision", report.Precision, recorded, func(md *ml.ModelMetadata) float64 { return md.Precision })
	printMetric("Recall", report.Recall, recorded, func(md *ml.ModelMetadata) float64 { return md.Recall })
	printMetric("F1 Score", report.F1Score, recorded, func(md *ml.ModelMetadata) float64 { return md.F1Score })
	if report.ROCAUCDefined {
		printMetric("ROC-AUC", report.ROCAUC, recorded, func(md *ml.ModelMetadata) float64 { return md.ROCAUC })
	} else {
		fmt.Println("ROC-AUC: undefined (one class only)")
	}
	cm := report.Confusion
	fmt.Println("Confusion matrix (rows actual, cols predicted):")
	fmt.Printf("           SAFE  FRAUD\n")
	fmt.Printf("  SAFE  %6d %6d\n", cm.TrueNegative, cm.FalsePositive)
	fmt.Printf("  FRAUD %6d %6d\n", cm.FalseNegative, cm.TruePositive)
	return nil
}

func printMetric(name string, got float64, recorded *ml.ModelMetadata, pick func(*ml.ModelMetadata) float64) {
	if recorded == nil {
		fmt.Printf("%s: %.4f\n", name, got)
		return
	}
	want := pick(recorded)
	fmt.Printf("%s: %.4f (recorded %.4f, %+.4f)\n", name, got, want, got-want)
}

func runFit(args []string) error {
	fs := flag.NewFlagSet("fit", flag.ExitOnError)
	var (
		dataPath = fs.String("data", "", "Raw CSV export (required)")
		refYear  = fs.Int("ref-year", 0, "Year ages are computed against (default: current year)")
		limit    = fs.Int("limit", 0, "Stop after this many rows (0 = all)")
		output   = fs.String("output", "", "Write JSON here instead of stdout")
		logLevel = fs.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	fs.Parse(args)
	setupLogging(*logLevel)

	if *dataPath == "" {
		return fmt.Errorf("-data is required")
	}
	ds, err := dataset.Load(*dataPath, dataset.Options{ReferenceYear: *refYear, Limit: *limit})
	if err != nil {
		return err
	}

	txs := ds.Transactions()
	derived := make([]features.EngineeredFeatures, 0, len(txs))
	for i, tx := range txs {
		f, err := features.Derive(tx)
		if err != nil {
			log.Warn().Int("row", ds.Records[i].Row).Err(err).Msg("Skipping row")
			continue
		}
		derived = append(derived, f)
	}
	if len(derived) == 0 {
		return fmt.Errorf("no usable rows in %s", *dataPath)
	}

	fitted := struct {
		Encoders ml.EncodingTable     `json:"encoders"`
		Scaler   ml.ScalingParameters `json:"scaler"`
		Rows     int                  `json:"rows"`
	}{
		Encoders: ml.FitEncodingTable(txs),
		Scaler:   ml.FitScalingParameters(derived),
		Rows:     len(derived),
	}

	if *output == "" {
		return printJSON(fitted)
	}
	data, err := json.MarshalIndent(fitted, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(*output, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", *output, err)
	}
	log.Info().Str("output", *output).Int("rows", len(derived)).Msg("Preprocessing parameters written")
	return nil
}

func findVersion(versions []ml.ModelVersion, name string) (ml.ModelVersion, bool) {
	for _, v := range versions {
		if v.Version == name {
			return v, true
		}
	}
	return ml.ModelVersion{}, false
}

// writeModelInfo prints an artifact's provenance and feature importances.
func writeModelInfo(w io.Writer, a *ml.Artifact) {
	fmt.Fprintf(w, "Version: %s\n", a.Version())
	fmt.Fprintf(w, "Path: %s\n", a.Path)
	fmt.Fprintf(w, "Digest: %s\n", a.Digest)
	fmt.Fprintf(w, "Classifier: %s\n", a.Classifier.Type)
	if md := a.Metadata; md != nil {
		fmt.Fprintf(w, "Algorithm: %s\n", md.Algorithm)
		fmt.Fprintf(w, "Trained: %s on %d rows\n", md.TrainedAt.Format(time.RFC3339), md.TrainingRows)
		fmt.Fprintf(w, "Accuracy: %.4f  Precision: %.4f  Recall: %.4f  F1: %.4f  ROC-AUC: %.4f\n",
			md.Accuracy, md.Precision, md.Recall, md.F1Score, md.ROCAUC)
	}

	ranked := a.RankedImportances()
	if ranked == nil {
		fmt.Fprintln(w, "Feature importances: not recorded")
		return
	}
	fmt.Fprintln(w, "Feature importances:")
	for _, imp := range ranked {
		fmt.Fprintf(w, "  %-20s %.4f\n", imp.Feature, imp.Weight)
	}
}

func runModels(args []string) error {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	var (
		dir      = fs.String("dir", "", "Models directory (default: configured MODELS_DIR)")
		logLevel = fs.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: fraudcheck models [flags] list | show [version] | register <artifact> | activate <version> | rollback")
		fs.PrintDefaults()
	}
	fs.Parse(args)
	setupLogging(*logLevel)

	if *dir == "" {
		c, err := cfg.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		*dir = c.ModelsDir
	}
	mm, err := ml.NewModelManager(*dir)
	if err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		rest = []string{"list"}
	}
	switch rest[0] {
	case "list":
		for _, v := range mm.ListVersions() {
			marker := " "
			if v.IsActive {
				marker = "*"
			}
			fmt.Printf("%s %-20s %-18s acc=%.4f auc=%.4f %s\n",
				marker, v.Version, v.Algorithm, v.Metrics.Accuracy, v.Metrics.ROCAUC, v.Path)
		}
		return nil
	case "show":
		var (
			v  ml.ModelVersion
			ok bool
		)
		if len(rest) > 1 {
			v, ok = findVersion(mm.ListVersions(), rest[1])
		} else {
			v, ok = mm.GetCurrentVersion()
		}
		if !ok {
			return fmt.Errorf("no such model version in %s", *dir)
		}
		a, err := ml.LoadArtifact(v.Path)
		if err != nil {
			return err
		}
		writeModelInfo(os.Stdout, a)
		return nil
	case "register":
		if len(rest) != 2 {
			return fmt.Errorf("register needs an artifact path")
		}
		v, err := mm.Register(rest[1])
		if err != nil {
			return err
		}
		log.Info().Str("version", v.Version).Str("path", v.Path).Msg("Model registered")
		return nil
	case "activate":
		if len(rest) != 2 {
			return fmt.Errorf("activate needs a version")
		}
		if err := mm.ActivateVersion(rest[1]); err != nil {
			return err
		}
		log.Info().Str("version", rest[1]).Msg("Model activated")
		return nil
	case "rollback":
		if err := mm.Rollback(); err != nil {
			return err
		}
		v, _ := mm.GetCurrentVersion()
		log.Info().Str("version", v.Version).Msg("Rolled back")
		return nil
	default:
		fs.Usage()
		return fmt.Errorf("unknown models action %q", rest[0])
	}
}
