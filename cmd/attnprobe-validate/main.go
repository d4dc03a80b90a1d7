// Command attnprobe-validate independently checks an exported dataset
// directory against the document schema and blob sizes.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kvxlabs/attnprobe/internal/dataset"
)

func main() {
	strict := flag.Bool("strict", false, "Treat warnings as failure")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <dataset-dir>\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	dir := flag.Arg(0)

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		fmt.Fprintf(os.Stderr, "dataset directory does not exist: %s\n", dir)
		os.Exit(2)
	}

	report := dataset.Validate(dir, *strict)

	abs, _ := filepath.Abs(dir)
	fmt.Printf("dataset: %s\n", abs)
	if len(report.Errors) > 0 {
		fmt.Println("errors:")
		for _, e := range report.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
	if len(report.Warnings) > 0 {
		fmt.Println("warnings:")
		for _, w := range report.Warnings {
			fmt.Printf("  - %s\n", w)
		}
	}

	if !report.Passed {
		fmt.Println("validation: FAILED")
		os.Exit(1)
	}
	fmt.Println("validation: OK")
}
