// Command rsmpi adapts MPICH-style launcher flags to rsmpi, so the
// ensemble can launch parallel codes on an rsmpi cluster.
//
//	rsmpi -np N -machinefile FILE [--ppn P] args...
//
// runs
//
//	rsmpi -n N -h <first line of FILE> args...
//
// Output on stderr fails the launch.
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// launcher is the rsmpi binary being wrapped.
var launcher = "rsmpi"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rsmpi", flag.ContinueOnError)
	fs.SetOutput(stderr)
	n := fs.String("np", "", "number of processors passed to rsmpi")
	machinefile := fs.String("machinefile", "", "file whose first line is the rsmpi host")
	fs.String("ppn", "", "processors per node (accepted and ignored)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *n == "" || *machinefile == "" {
		fmt.Fprintln(stderr, "rsmpi: -np and -machinefile are required")
		return 2
	}

	host, err := hostFromMachinefile(*machinefile)
	if err != nil {
		fmt.Fprintf(stderr, "rsmpi: %v\n", err)
		return 1
	}

	argv := strings.Fields(fmt.Sprintf("-n %s -h %s %s", *n, host, strings.Join(fs.Args(), " ")))
	var out, errOut bytes.Buffer
	cmd := exec.Command(launcher, argv...)
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	runErr := cmd.Run()

	stdout.Write(out.Bytes())
	if errOut.Len() > 0 {
		stderr.Write(errOut.Bytes())
		return 1
	}
	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); !ok {
			fmt.Fprintf(stderr, "rsmpi: %v\n", runErr)
			return 1
		}
	}
	return 0
}

func hostFromMachinefile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	if !s.Scan() {
		if err := s.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("machinefile %s is empty", path)
	}
	return strings.TrimSpace(s.Text()), nil
}
