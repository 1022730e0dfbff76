package main

import (
	"fmt"
	"os"

	"github.com/danmuck/js8net/internal/config"
	flag "github.com/spf13/pflag"
)

func main() {
	output := flag.StringP("output", "o", "js8net.toml", "output path for the config template")
	validate := flag.Bool("validate", false, "validate an existing config file instead")
	input := flag.StringP("input", "i", "js8net.toml", "config path for validation")
	force := flag.BoolP("force", "f", false, "overwrite an existing config file")
	stdout := flag.Bool("stdout", false, "print the template instead of writing it")
	flag.Parse()

	if err := run(*validate, *stdout, *input, *output, *force); err != nil {
		fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
		os.Exit(1)
	}
}

func run(validate, stdout bool, input, output string, force bool) error {
	switch {
	case validate:
		if _, err := config.Load(input); err != nil {
			return err
		}
		fmt.Printf("validated config at %s\n", input)
	case stdout:
		template, err := config.Template()
		if err != nil {
			return err
		}
		fmt.Print(template)
	default:
		if err := config.WriteTemplate(output, force); err != nil {
			return err
		}
		fmt.Printf("wrote config template to %s\n", output)
	}
	return nil
}
