// rsym embeds a compact symbol table into a linked PE image, reading
// debug information from its .stab/.stabstr sections or COFF symbol
// table and writing an equivalent image with a new .rossym section.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/reactos/rsym/pkg/rsym"
)

func main() {
	sourcePath := flag.String("s", "", "source directory for the dbghelp path-chop probe")
	dump := flag.Bool("dump", false, "print the merged symbol table as JSON instead of writing the output file")
	pretty := flag.Bool("pretty", false, "pretty-print -dump JSON output")
	verbose := flag.Bool("v", false, "raise log verbosity to debug")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-s <sources>] [-dump] [-v] <input> <output>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nIn -dump mode <output> may be omitted.\n")
	}

	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	narg := flag.NArg()
	if narg < 1 || (narg < 2 && !*dump) {
		flag.Usage()
		os.Exit(1)
	}

	inputPath := flag.Arg(0)
	var outputPath string
	if narg >= 2 {
		outputPath = flag.Arg(1)
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		log.Errorf("reading %s: %v", inputPath, err)
		os.Exit(1)
	}

	result, err := rsym.Convert(data, rsym.Options{
		SourcePath: *sourcePath,
		Dump:       *dump,
		Log:        log,
	})
	if err != nil {
		log.Errorf("conversion failed: %v", err)
		os.Exit(1)
	}

	if result.ELFPassthrough {
		log.Debug("ELF input, nothing to do")
		os.Exit(0)
	}

	if *dump {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetEscapeHTML(false)
		if *pretty {
			encoder.SetIndent("", "  ")
		}
		if err := encoder.Encode(result.Dump); err != nil {
			log.Errorf("encoding dump JSON: %v", err)
			os.Exit(1)
		}
		return
	}

	if outputPath == "" {
		log.Error("an output path is required outside -dump mode")
		os.Exit(1)
	}

	if err := os.WriteFile(outputPath, result.Output, 0644); err != nil {
		log.Errorf("writing %s: %v", outputPath, err)
		os.Exit(1)
	}
}
