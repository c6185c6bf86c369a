package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/feedrelay/internal/probe"
	"github.com/jmylchreest/feedrelay/pkg/format"
)

var (
	probeOutput string
	probeMaxPES int
)

var probeCmd = &cobra.Command{
	Use:   "probe [file]",
	Short: "Inspect an MPEG-TS capture",
	Long: `Read an MPEG transport stream from a file, or stdin when no file or "-"
is given, and summarise its programs and elementary streams.

Useful to check what a relay sends when the mpegts codec is configured:

  nc -lu 8554 | feedrelay probe --max-pes 300`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().StringVarP(&probeOutput, "output", "o", "text", "output format (text, yaml, json)")
	probeCmd.Flags().IntVar(&probeMaxPES, "max-pes", 0, "stop after this many PES packets (0 reads to the end)")
}

func runProbe(cmd *cobra.Command, args []string) error {
	var r io.Reader = os.Stdin
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening capture: %w", err)
		}
		defer f.Close()
		r = f
	}

	sum, err := probe.Probe(cmd.Context(), r, probe.Options{MaxPES: probeMaxPES})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch probeOutput {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	case "yaml":
		return yaml.NewEncoder(out).Encode(sum)
	case "text":
		return writeProbeText(out, sum)
	default:
		return fmt.Errorf("unknown output format %q", probeOutput)
	}
}

func writeProbeText(w io.Writer, sum *probe.Summary) error {
	fmt.Fprintf(w, "read %s in %s packets, %d programs\n\n",
		format.Bytes(uint64(sum.Bytes)), format.Count(uint64(sum.Packets)), len(sum.Programs))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tPROGRAM\tCODEC\tPES\tBYTES\tDURATION\tFPS")
	for _, s := range sum.Streams {
		fps := "-"
		if s.FPS > 0 {
			fps = fmt.Sprintf("%.2f", s.FPS)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			s.PID, s.Program, s.Codec, format.Count(uint64(s.PESCount)),
			format.Bytes(uint64(s.Bytes)), s.Duration(), fps)
	}
	return tw.Flush()
}
