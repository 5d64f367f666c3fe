package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vtop-hub/vtop-gateway/internal/domain/captcha"
)

// =============================================================================
// SOLVE COMMAND
// =============================================================================

type solveResult struct {
	File     string `json:"file"`
	Guess    string `json:"guess,omitempty"`
	Pipeline string `json:"pipeline,omitempty"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Error    string `json:"error,omitempty"`
}

func newSolveCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "solve <image|data-uri file>...",
		Short: "Solve captcha images",
		Long: `Reads each file as a raw image (PNG, JPEG, GIF) or, failing that, as a data URI or
bare base64 text, and prints the guess of the pipeline matching its resolution.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			solver, err := loadSolver(opts)
			if err != nil {
				return err
			}

			failed := 0
			for _, path := range args {
				res := solveFile(solver, path)
				if res.Error != "" {
					failed++
				}
				if err := printSolve(cmd.OutOrStdout(), opts.jsonOutput, res); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d images could not be solved", failed, len(args))
			}
			return nil
		},
	}
}

func loadSolver(opts *options) (*captcha.Solver, error) {
	solver, _, err := captcha.LoadSolver(opts.templatesPath, opts.weightsPath)
	if err != nil {
		return nil, err
	}
	if len(solver.Pipelines()) == 0 {
		return nil, errors.New("no captcha pipeline loaded: pass --templates and/or --weights")
	}
	return solver, nil
}

func solveFile(solver *captcha.Solver, path string) solveResult {
	res := solveResult{File: path}

	raw, err := os.ReadFile(path)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	img, err := captcha.DecodeRaw(raw)
	if err != nil {
		img, err = captcha.DecodeImage(string(raw))
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Width, res.Height = size(img)

	guess, err := solver.SolveImage(img)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Guess, res.Pipeline = guess.Text, guess.Pipeline
	return res
}

func size(img image.Image) (int, int) {
	b := img.Bounds()
	return b.Dx(), b.Dy()
}

func printSolve(w io.Writer, asJSON bool, res solveResult) error {
	if asJSON {
		return json.NewEncoder(w).Encode(res)
	}
	if res.Error != "" {
		_, err := fmt.Fprintf(w, "%s\terror: %s\n", res.File, res.Error)
		return err
	}
	_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%dx%d\n", res.File, res.Guess, res.Pipeline, res.Width, res.Height)
	return err
}
