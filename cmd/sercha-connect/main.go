package main

import (
	"errors"
	"os"

	"github.com/jessevdk/go-flags"
)

var version = "dev"

func main() {
	global = &Options{}
	parser := flags.NewParser(global, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(os.Args[1:]); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			parser.WriteHelp(os.Stdout)
			os.Exit(0)
		}
		os.Stderr.WriteString("sercha-connect: " + err.Error() + "\n")
		os.Exit(1)
	}
}
