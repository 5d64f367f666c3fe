package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vtop-hub/vtop-gateway/internal/infrastructure/external/vtop"
)

// =============================================================================
// DETECT COMMAND
// =============================================================================

type detectResult struct {
	File       string `json:"file"`
	Signal     string `json:"signal"`
	HasToken   bool   `json:"hasToken"`
	ImageBytes int    `json:"imageBytes"`
	Guess      string `json:"guess,omitempty"`
	Pipeline   string `json:"pipeline,omitempty"`
	Error      string `json:"error,omitempty"`
}

func newDetectCmd(opts *options) *cobra.Command {
	var solve bool

	cmd := &cobra.Command{
		Use:   "detect <html file>",
		Short: "Detect the captcha challenge in a saved login page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			res := detectResult{File: args[0]}
			ch, detectErr := vtop.DetectChallenge(body)
			res.Signal = string(ch.Signal)
			res.HasToken = ch.Token != ""
			res.ImageBytes = len(ch.Image)
			if detectErr != nil {
				res.Error = detectErr.Error()
			}

			if solve && detectErr == nil {
				solver, err := loadSolver(opts)
				if err != nil {
					return err
				}
				guess, err := solver.Solve(ch.Image)
				if err != nil {
					res.Error = err.Error()
				} else {
					res.Guess, res.Pipeline = guess.Text, guess.Pipeline
				}
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				if err := json.NewEncoder(out).Encode(res); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "signal:   %s\n", displayOr(res.Signal, "none"))
				fmt.Fprintf(out, "token:    %t\n", res.HasToken)
				fmt.Fprintf(out, "image:    %d bytes\n", res.ImageBytes)
				if res.Guess != "" {
					fmt.Fprintf(out, "guess:    %s (%s)\n", res.Guess, res.Pipeline)
				}
				if res.Error != "" {
					fmt.Fprintf(out, "error:    %s\n", res.Error)
				}
			}

			if res.Error != "" {
				return fmt.Errorf("%s: %s", args[0], res.Error)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&solve, "solve", false, "also solve the detected image")
	return cmd
}

func displayOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
