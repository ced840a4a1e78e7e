// Command pmbuddy-inspect opens a pool file for reporting and prints
// total/used/available space and the free-list contents per order. It makes
// no allocations, but the file is not opened read-only: pmbuddy.Open maps it
// read-write, increments the generation counter and runs recovery.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/alewtschuk/pmbuddy/src/pmbuddy"
)

func main() {
	format := flag.String("format", "text", "output format: text or yaml")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [-format=text|yaml] <file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *format); err != nil {
		fmt.Fprintln(os.Stderr, "pmbuddy-inspect:", err)
		os.Exit(1)
	}
}

func run(path, format string) error {
	pool, err := pmbuddy.Open(path, pmbuddy.Options{})
	if err != nil {
		return err
	}
	defer pool.Close()

	report := pool.Summarize()

	switch format {
	case "yaml":
		out, err := yaml.Marshal(report)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	case "text", "":
		printText(report)
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func printText(r pmbuddy.Report) {
	fmt.Printf("size:       %s\n", humanize.IBytes(r.Size))
	fmt.Printf("used:       %s\n", humanize.IBytes(r.Used))
	fmt.Printf("available:  %s\n", humanize.IBytes(r.Available))
	if r.Footprint > 0 {
		fmt.Printf("footprint:  %s\n", humanize.IBytes(r.Footprint))
	}
	fmt.Printf("generation: %d\n", r.Generation)
	if len(r.FreeLists) == 0 {
		fmt.Println("free lists: (none)")
		return
	}
	fmt.Println("free lists:")
	for _, fl := range r.FreeLists {
		fmt.Printf("  order %2d (%s): %d block(s) at %v\n",
			fl.Order, humanize.IBytes(fl.BlockSize), len(fl.Offsets), fl.Offsets)
	}
}
