package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/lead-scorer/internal/enrich"
	"github.com/sells-group/lead-scorer/internal/model"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score a leads file locally without the job store",
	Long: `Reads leads from a JSON or CSV file, runs them through the scoring
pipeline in this process, and writes the ordered results.

JSON input is an array of leads or an object with a "leads" array. CSV
input needs a header row with a company column; id, industry, website and
location are picked up by name and any other column lands in raw_fields.

Examples:
  # Score a JSON file and print a summary table
  lead-scorer score --input leads.json --format table

  # Score the first 20 rows of a CSV with LLM cleaning, results to a file
  lead-scorer score --input leads.csv --limit 20 --use-cleaner --output scored.json`,
	RunE: runScore,
}

func init() {
	f := scoreCmd.Flags()
	f.String("input", "", "leads file (.json or .csv)")
	f.String("output", "", "output file path (default: stdout)")
	f.String("format", "json", "output format: json or table")
	f.Int("limit", 0, "score at most this many leads (0 = all)")
	f.Int("concurrency", 0, "leads in flight (default from config)")
	f.Bool("use-cleaner", false, "enable LLM-assisted lead cleaning")
	_ = scoreCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(scoreCmd)
}

func runScore(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	input, _ := cmd.Flags().GetString("input")
	outputPath, _ := cmd.Flags().GetString("output")
	format, _ := cmd.Flags().GetString("format")
	limit, _ := cmd.Flags().GetInt("limit")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	useCleaner, _ := cmd.Flags().GetBool("use-cleaner")

	if format != "json" && format != "table" {
		return eris.Errorf("score: --format must be json or table (got %q)", format)
	}

	leads, err := readLeadsFile(input)
	if err != nil {
		return err
	}
	if limit > 0 && limit < len(leads) {
		leads = leads[:limit]
	}
	if len(leads) == 0 {
		return eris.New("score: no leads in input")
	}

	env, err := initEnv(ctx, "score", false, true)
	if err != nil {
		return err
	}
	defer env.Close()

	log := zap.L().With(zap.String("command", "score"))
	log.Info("scoring leads", zap.Int("total", len(leads)), zap.String("input", input))

	res, err := env.Orchestrator.Process(ctx, leads, enrich.Options{
		UseCleaner:     useCleaner,
		MaxConcurrency: concurrency,
		OnProgress: func(p enrich.Progress) {
			if p.Completed%10 == 0 || p.Completed == p.Total {
				log.Info("scoring progress", zap.Int("completed", p.Completed), zap.Int("total", p.Total))
			}
		},
	})
	if err != nil && !eris.Is(err, enrich.ErrCancelled) {
		return eris.Wrap(err, "score: process")
	}
	if err != nil {
		log.Warn("scoring interrupted, writing partial results", zap.Int("scored", len(res.Results)))
	}

	out := io.Writer(os.Stdout)
	if outputPath != "" {
		f, ferr := os.Create(outputPath)
		if ferr != nil {
			return eris.Wrap(ferr, "score: create output")
		}
		defer f.Close() //nolint:errcheck
		out = f
	}

	if format == "table" {
		writeScoreTable(out, res.Results)
	} else {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res.Results); err != nil {
			return eris.Wrap(err, "score: encode results")
		}
	}

	log.Info("scoring complete",
		zap.Int("scored", len(res.Results)),
		zap.Int("fallbacks", res.Usage.Fallbacks),
		zap.Int("lookups", res.Usage.Lookups),
		zap.Float64("cost_usd", res.Usage.CostUSD),
	)
	return nil
}

// readLeadsFile loads leads from a .json or .csv file.
func readLeadsFile(path string) ([]model.Lead, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "score: open input")
	}
	defer f.Close() //nolint:errcheck

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return parseLeadsCSV(f)
	case ".json":
		return parseLeadsJSON(f)
	default:
		return nil, eris.Errorf("score: unsupported input type %q", filepath.Ext(path))
	}
}

func parseLeadsJSON(r io.Reader) ([]model.Lead, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "score: read json")
	}
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var leads []model.Lead
		if err := json.Unmarshal(data, &leads); err != nil {
			return nil, eris.Wrap(err, "score: decode leads array")
		}
		return leads, nil
	}
	var wrapped struct {
		Leads []model.Lead `json:"leads"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, eris.Wrap(err, "score: decode leads object")
	}
	return wrapped.Leads, nil
}

func parseLeadsCSV(r io.Reader) ([]model.Lead, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "score: read csv header")
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols["company"]; !ok {
		return nil, eris.New("score: csv header has no company column")
	}

	var leads []model.Lead
	for row := 2; ; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "score: read csv row %d", row)
		}
		get := func(name string) string {
			if i, ok := cols[name]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		lead := model.Lead{
			ID:       get("id"),
			Company:  get("company"),
			Industry: get("industry"),
			Website:  get("website"),
			Location: get("location"),
		}
		if lead.Company == "" {
			zap.L().Warn("skipping csv row without company", zap.Int("row", row))
			continue
		}
		for i, h := range header {
			key := strings.ToLower(strings.TrimSpace(h))
			switch key {
			case "id", "company", "industry", "website", "location":
				continue
			}
			if i < len(rec) && strings.TrimSpace(rec[i]) != "" {
				if lead.RawFields == nil {
					lead.RawFields = make(map[string]string)
				}
				lead.RawFields[key] = strings.TrimSpace(rec[i])
			}
		}
		leads = append(leads, lead)
	}
	return leads, nil
}

func writeScoreTable(w io.Writer, results []*model.LeadResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCOMPANY\tSCORE\tLABEL\tRATING\tREVIEWS\tMETHOD")
	for _, r := range results {
		if r == nil {
			continue
		}
		rating, count := "-", "-"
		if r.Reviews.AverageRating != nil {
			rating = fmt.Sprintf("%.1f", *r.Reviews.AverageRating)
		}
		if r.Reviews.ReviewCount != nil {
			count = fmt.Sprintf("%d", *r.Reviews.ReviewCount)
		}
		fmt.Fprintf(tw, "%d\t%s\t%.1f\t%s\t%s\t%s\t%s\n",
			r.Index, r.Company, r.Score.FinalScore, r.Score.Interpretation, rating, count, r.Reviews.Method)
	}
	_ = tw.Flush()
}
