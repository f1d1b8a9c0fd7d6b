// Command verifier checks a revealed product from its published artifacts
// without access to the draw service.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"fairdraw/internal/commitment"
	"fairdraw/internal/derive"
	"fairdraw/internal/models"
	"fairdraw/internal/verify"
)

// errMismatch makes the process exit non-zero without printing twice.
var errMismatch = errors.New("verification failed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errMismatch) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "verifier",
		Short:         "Independent verifier for provably fair draws",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newVerifyCmd(), newPositionsCmd(), newCommitmentCmd(), newDrawCmd())
	return root
}

func readJSON(path string, v any) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVerifyCmd() *cobra.Command {
	var productPath, recordsPath, seed string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay every draw record against the revealed seed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var pub models.PublicRecord
			if err := readJSON(productPath, &pub); err != nil {
				return err
			}
			var records []models.DrawRecord
			if err := readJSON(recordsPath, &records); err != nil {
				return err
			}
			if seed == "" {
				seed = pub.Seed
			}
			if seed == "" {
				return errors.New("no seed given and the product record has none")
			}

			report, err := verify.Verify(pub, seed, records)
			if werr := writeJSON(cmd.OutOrStdout(), report); werr != nil {
				return werr
			}
			if err != nil && !report.CommitmentValid {
				return errMismatch
			}
			if err != nil {
				return err
			}
			if !report.OK {
				return errMismatch
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&productPath, "product", "", "public product record JSON (- for stdin)")
	cmd.Flags().StringVar(&recordsPath, "records", "", "draw records JSON array")
	cmd.Flags().StringVar(&seed, "seed", "", "hex seed (defaults to the seed in the product record)")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("records")
	return cmd
}

func newPositionsCmd() *cobra.Command {
	var seed string
	var tags, prizes, stepCap int
	cmd := &cobra.Command{
		Use:   "positions",
		Short: "Derive the fixed prize ticket numbers of a positional product",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := commitment.DecodeSeed(seed)
			if err != nil {
				return err
			}
			positions, err := derive.Positions(raw, tags, prizes, stepCap)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string][]int{
				"generation_order": positions,
				"sorted":           derive.Sorted(positions),
			})
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "hex seed")
	cmd.Flags().IntVar(&tags, "tags", 0, "number of tickets")
	cmd.Flags().IntVar(&prizes, "prizes", 0, "number of major prize positions")
	cmd.Flags().IntVar(&stepCap, "step-cap", derive.DefaultStepCap, "maximum base-100 steps")
	_ = cmd.MarkFlagRequired("seed")
	_ = cmd.MarkFlagRequired("tags")
	return cmd
}

func newCommitmentCmd() *cobra.Command {
	var seed, expect string
	cmd := &cobra.Command{
		Use:   "commitment",
		Short: "Print the commitment of a seed, or check it against a published one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := commitment.DecodeSeed(seed)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), commitment.Digest(raw))
			if expect != "" && !commitment.Check(raw, expect) {
				fmt.Fprintln(cmd.ErrOrStderr(), "commitment does not match")
				return errMismatch
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "hex seed")
	cmd.Flags().StringVar(&expect, "expect", "", "published commitment to compare with")
	_ = cmd.MarkFlagRequired("seed")
	return cmd
}

func newDrawCmd() *cobra.Command {
	var seed string
	var nonce int64
	cmd := &cobra.Command{
		Use:   "draw",
		Short: "Print the stream draw of one nonce",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := commitment.DecodeSeed(seed)
			if err != nil {
				return err
			}
			d := derive.Draw(raw, nonce)
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"nonce":        nonce,
				"draw":         derive.DrawHex(d),
				"random_value": derive.RandomValue(d),
			})
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "hex seed")
	cmd.Flags().Int64Var(&nonce, "nonce", 1, "draw nonce")
	_ = cmd.MarkFlagRequired("seed")
	return cmd
}
