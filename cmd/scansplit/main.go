// Command scansplit splits one scanned PDF into a PDF per label from the command line.
//
//	scansplit -labels names.csv -pdf scan.pdf -assign pages.csv -out results/batch1
//
// pages.csv has a header row followed by page,label rows. With -auto, pages
// left unassigned are labelled from their header text when it names exactly
// one label. Exit status is 1 when pages remain unassigned or input is
// invalid and 2 when some labels failed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/scansplit/internal/assignment"
	cfgpkg "github.com/local/scansplit/internal/config"
	"github.com/local/scansplit/internal/converter"
	"github.com/local/scansplit/internal/extract"
	logpkg "github.com/local/scansplit/internal/logger"
	"github.com/local/scansplit/internal/orchestrator"
	"github.com/local/scansplit/internal/preview"
	"github.com/local/scansplit/internal/sink"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := cfgpkg.FromEnv()

	labelsPath := flag.String("labels", "", "CSV file whose first column lists the labels (first row is a header)")
	pdfPath := flag.String("pdf", "", "scanned source document")
	assignPath := flag.String("assign", "", "CSV file of page,label rows (first row is a header)")
	outDir := flag.String("out", "", "output directory (default: results/<run id>)")
	auto := flag.Bool("auto", false, "label unassigned pages from their header text")
	concurrency := flag.Int("concurrency", cfg.Extract.Concurrency, "labels extracted in parallel")
	convert := flag.Bool("convert", cfg.Converter.Enabled, "convert office documents with LibreOffice")
	flag.Parse()

	_ = logpkg.Init(logpkg.Options{
		Level:   cfg.Logging.Level,
		Pretty:  true,
		Console: os.Stderr,
		Service: "scansplit-cli",
	})
	defer logpkg.Close()

	if *labelsPath == "" || *pdfPath == "" {
		flag.Usage()
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()[:8]
	out := *outDir
	if out == "" {
		out = filepath.Join(cfg.Output.ResultDir, runID)
	}
	parent, session, err := outputTarget(out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "out: %v\n", err)
		return 1
	}
	abs := filepath.Join(parent, session)

	opts := orchestrator.Options{Engine: extract.Engine{Concurrency: *concurrency}}
	if *auto {
		opts.Suggester = preview.NewSuggester(cfg.Preview.Lines)
	}
	if *convert {
		opts.Converter = converter.NewLibreOffice(cfg.Converter.Binary, cfg.Converter.Timeout, cfg.Converter.Workers)
	}
	// Local writes to <Dir>/<session>, so the output directory's name doubles as the session id.
	s := orchestrator.NewSession(session, opts)

	lf, err := os.Open(*labelsPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	labels, err := s.LoadLabelsCSV(ctx, lf)
	lf.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "labels: %v\n", err)
		return 1
	}

	data, err := os.ReadFile(*pdfPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	pages, err := s.LoadSource(ctx, data, filepath.Base(*pdfPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "source: %v\n", err)
		return 1
	}
	log.Info().Int("labels", len(labels)).Int("pages", pages).Str("out", abs).Msg("inputs loaded")

	if *assignPath != "" {
		af, err := os.Open(*assignPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		recs, err := assignment.ReadCSV(af)
		af.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "assignments: %v\n", err)
			return 1
		}
		if err := s.Assign(recs); err != nil {
			fmt.Fprintf(os.Stderr, "assignments: %v\n", err)
			return 1
		}
	}
	if *auto {
		found, err := s.Suggest(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "suggest: %v\n", err)
			return 1
		}
		log.Info().Ints("pages", found).Msg("pages labelled from header text")
	}

	report, err := s.Split(ctx, deliverOnly{sink.NewLocal(parent)})
	var incomplete *orchestrator.IncompleteAssignmentError
	if errors.As(err, &incomplete) {
		fmt.Fprintf(os.Stderr, "not split: %d of %d pages have no label: %s\n", len(incomplete.Pages), pages, joinInts(incomplete.Pages))
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "split: %v\n", err)
		return 1
	}

	for _, l := range report.Labels {
		if l.OK() {
			fmt.Printf("ok    %-24s pages %-12s %s\n", l.Label, joinInts(l.Pages), l.Location)
		} else {
			fmt.Printf("FAIL  %-24s pages %-12s %s\n", l.Label, joinInts(l.Pages), l.Err)
		}
	}
	if !report.OK() {
		return 2
	}
	return 0
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ",")
}

// outputTarget splits the -out directory into the parent the local sink
// writes under and the session name that becomes the final path element.
func outputTarget(out string) (parent, session string, err error) {
	abs, err := filepath.Abs(out)
	if err != nil {
		return "", "", err
	}
	parent, session = filepath.Dir(abs), filepath.Base(abs)
	if parent == abs {
		return "", "", fmt.Errorf("%q is a filesystem root; choose a directory below it", out)
	}
	if err := sink.ValidName(session); err != nil {
		return "", "", fmt.Errorf("%q: directory name cannot be used for outputs: %w", out, err)
	}
	return parent, session, nil
}

// deliverOnly hides the local sink's Remove so a split never clears files
// the user already keeps in the output directory.
type deliverOnly struct {
	next *sink.Local
}

func (d deliverOnly) Deliver(ctx context.Context, sessionID string, doc extract.Document) (string, error) {
	return d.next.Deliver(ctx, sessionID, doc)
}
