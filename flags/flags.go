// Package flags provides support for forward CLI args
package flags

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"strings"
)

// ErrExcessArgs is returned when unparsed arguments remain
var ErrExcessArgs = errors.New("excess arguments provided")

// option is one line of usage text.
type option struct {
	name, value string
}

func usage(w io.Writer, program string, options []option) {
	indent := strings.Repeat(" ", 2)
	fmt.Fprintf(w, "Usage: %s <options>\n", program)
	fmt.Fprintf(w, "Where options are:\n")
	for _, o := range options {
		if o.value == "" {
			fmt.Fprintf(w, "%s--%s\n", indent, o.name)
			continue
		}
		fmt.Fprintf(w, "%s--%s=<%s>\n", indent, o.name, o.value)
	}
}

// setFlags returns the names of the flags present on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

func parse(fs *flag.FlagSet, args []string) error {
	if len(args) == 0 {
		return fs.Parse(nil)
	}
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: %s", ErrExcessArgs, strings.Join(fs.Args(), " "))
	}
	return nil
}

// isNotExist reports whether err means an optional config file is absent.
func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
