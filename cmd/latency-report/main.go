// Command latency-report summarises recorded inference latency from either
// the results database or a JSON sink stream, optionally rendering an
// interactive HTML page and a static PNG.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/banshee-data/edgepipe/internal/db"
	"github.com/banshee-data/edgepipe/internal/fsutil"
	"github.com/banshee-data/edgepipe/internal/security"
)

var (
	dbPath   = flag.String("db", "", "Results database to read")
	runID    = flag.String("run", "", "Run to analyse (default: latest)")
	jsonl    = flag.String("jsonl", "", "JSON output stream to read instead of the database (\"-\" for stdin)")
	htmlPath = flag.String("html", "", "Write an interactive chart page to this file")
	pngPath  = flag.String("png", "", "Write a static summary plot to this file")
	buckets  = flag.Int("buckets", 10, "Histogram buckets in the text report")
)

func main() {
	flag.Parse()
	if err := run(os.Stdout, fsutil.OSFileSystem{}); err != nil {
		log.Fatal(err)
	}
}

func run(out io.Writer, fs fsutil.FileSystem) error {
	points, title, err := load(fs)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return errors.New("no inference records found")
	}

	rep := analyse(points, *buckets)
	rep.writeText(out)

	if *htmlPath != "" {
		if err := writeFile(fs, *htmlPath, func(w io.Writer) error { return rep.writeHTML(w, title) }); err != nil {
			return err
		}
		fmt.Fprintf(out, "HTML report written to %s\n", *htmlPath)
	}
	if *pngPath != "" {
		if err := writeFile(fs, *pngPath, func(w io.Writer) error { return rep.writePNG(w, 30) }); err != nil {
			return err
		}
		fmt.Fprintf(out, "Plot written to %s\n", *pngPath)
	}
	return nil
}

func load(fs fsutil.FileSystem) ([]point, string, error) {
	switch {
	case *jsonl == "-":
		p, err := loadJSONL(os.Stdin)
		return p, "stdin", err
	case *jsonl != "":
		f, err := fs.Open(*jsonl)
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		p, err := loadJSONL(f)
		return p, *jsonl, err
	case *dbPath != "":
		store, err := db.Open(*dbPath, nil)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open results database: %w", err)
		}
		defer store.Close()
		r, p, err := loadRun(store, *runID)
		if err != nil {
			return nil, "", err
		}
		return p, fmt.Sprintf("run %s (%s)", r.ID, r.Version), nil
	}
	return nil, "", errors.New("one of -db or -jsonl is required")
}

func writeFile(fs fsutil.FileSystem, path string, render func(io.Writer) error) error {
	if err := security.ValidateExportPath(path); err != nil {
		return err
	}
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := render(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
