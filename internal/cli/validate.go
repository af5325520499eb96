// Package cli implements the meterlog subcommands that do not run the
// pipeline.
package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/lsm/meterlog/internal/config"
)

// RunValidate loads the settings file, applies the environment, validates the
// result and prints a summary. It returns an error when the configuration
// would not start.
func RunValidate(args []string, lookup func(string) (string, bool), stdout, stderr io.Writer) error {
	if len(args) > 0 && (args[0] == "-h" || args[0] == "--help") {
		fmt.Fprintln(stdout, "Usage: meterlog validate [config]\n\nValidates the settings file (default: $METERLOG_CONFIG or "+config.DefaultPath+")\nafter applying environment overrides.")
		return nil
	}

	var arg string
	if len(args) > 0 {
		arg = args[0]
	}
	path := config.ResolvePath(arg, lookup)

	cfg, err := config.Decode(path)
	if err != nil {
		return err
	}
	resolved := cfg.WithEnv(lookup)

	if err := resolved.Validate(); err != nil {
		msgs := splitErrors(err)
		fmt.Fprintf(stderr, "Found %d validation error(s) in %s:\n\n", len(msgs), path)
		for _, msg := range msgs {
			fmt.Fprintf(stderr, "  %s\n    field: %s\n\n", msg, inferField(msg))
		}
		return fmt.Errorf("%d validation error(s) found", len(msgs))
	}

	printSummary(stdout, path, &resolved)
	return nil
}

func printSummary(w io.Writer, path string, cfg *config.Config) {
	sinks := cfg.EnabledSinks()
	if len(sinks) == 0 {
		sinks = []string{"(none)"}
	}
	scaling := "divide by 1000"
	if cfg.Acquisition.EnergyPrescaled {
		scaling = "pass-through"
	}

	fmt.Fprintf(w, "Configuration %s is valid.\n", path)
	fmt.Fprintf(w, "  unit_id:     %s\n", cfg.UnitID)
	fmt.Fprintf(w, "  reader:      %s\n", cfg.Reader.Type)
	fmt.Fprintf(w, "  sinks:       %s\n", strings.Join(sinks, ", "))
	fmt.Fprintf(w, "  properties:  %s\n", strings.Join(cfg.Acquisition.Properties, ", "))
	fmt.Fprintf(w, "  interval:    %s\n", cfg.Acquisition.Interval())
	fmt.Fprintf(w, "  E0/E3:       %s\n", scaling)
}

// splitErrors breaks an errors.Join result into individual error strings.
func splitErrors(err error) []string {
	if err == nil {
		return nil
	}
	parts := strings.Split(err.Error(), "\n")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// inferField extracts the dotted key an error message starts with.
func inferField(msg string) string {
	field := msg
	if idx := strings.IndexAny(field, " :"); idx > 0 {
		field = field[:idx]
	}
	return field
}
