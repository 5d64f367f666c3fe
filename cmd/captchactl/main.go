// Command captchactl runs the captcha pipelines offline, for calibrating templates and
// weights against captured login pages and images.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// =============================================================================
// ROOT COMMAND
// =============================================================================

type options struct {
	templatesPath string
	weightsPath   string
	jsonOutput    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:          "captchactl",
		Short:        "Offline tooling for the portal captcha solver",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&opts.templatesPath, "templates", envOr("CAPTCHA_TEMPLATES_PATH", "models/templates.json"),
		"template bitmap file (empty disables the template pipeline)")
	root.PersistentFlags().StringVar(&opts.weightsPath, "weights", envOr("CAPTCHA_WEIGHTS_PATH", "models/weights.json"),
		"linear weight file (empty disables the linear pipeline)")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(newSolveCmd(opts), newDetectCmd(opts))
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
