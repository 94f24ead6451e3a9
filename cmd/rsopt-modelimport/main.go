// Command rsopt-modelimport parses a code's native input file and prints the
// model as JSON. It runs inside the simulation container when the host
// cannot read the input directly.
//
//	rsopt-modelimport elegant run.ele
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/copyleftdev/rsopt/internal/elegant"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) != 2 {
		fmt.Fprintln(stderr, "usage: rsopt-modelimport <code> <input_file>")
		return 2
	}

	var model interface{}
	switch code, input := args[0], args[1]; code {
	case "elegant":
		m, err := elegant.ParseFile(input)
		if err != nil {
			fmt.Fprintf(stderr, "import %s: %v\n", input, err)
			return 1
		}
		model = m
	default:
		fmt.Fprintf(stderr, "no model import for code %s\n", code)
		return 1
	}

	if err := json.NewEncoder(stdout).Encode(model); err != nil {
		fmt.Fprintf(stderr, "encode model: %v\n", err)
		return 1
	}
	return 0
}
