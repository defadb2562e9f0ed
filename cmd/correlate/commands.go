package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aegisshield/entity-correlation/internal/config"
	"github.com/aegisshield/entity-correlation/internal/engine"
	"github.com/aegisshield/entity-correlation/internal/models"
)

type rootOptions struct {
	policyFile string
	workers    int
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "correlate",
		Short:         "Resolve entity records across sources and score cluster risk",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.policyFile, "policy", "", "policy YAML file (default: embedded policy)")
	cmd.PersistentFlags().IntVar(&opts.workers, "workers", 0, "fuzzy matching workers (0 = GOMAXPROCS)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(
		newResolveCommand(opts),
		newDetectCommand(opts),
		newScoreCommand(opts),
		newPolicyCommand(opts),
	)
	return cmd
}

func (o *rootOptions) logger() *zap.Logger {
	if !o.verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func (o *rootOptions) engine() (*engine.Engine, error) {
	policy, err := config.LoadPolicy(o.policyFile)
	if err != nil {
		return nil, err
	}
	return engine.New(policy, engine.Options{Workers: o.workers}, o.logger())
}

func newResolveCommand(root *rootOptions) *cobra.Command {
	var input, contexts string

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Cluster records and print the run as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := root.engine()
			if err != nil {
				return err
			}

			req := engine.Request{}
			if req.Records, err = readRecordsFrom(cmd.InOrStdin(), input); err != nil {
				return err
			}
			if contexts != "" {
				data, err := os.ReadFile(contexts)
				if err != nil {
					return errors.Wrap(err, "failed to read contexts")
				}
				if err := json.Unmarshal(data, &req.Contexts); err != nil {
					return errors.Wrap(err, "failed to decode contexts")
				}
			}

			run, err := eng.Run(cmd.Context(), req)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), run)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "-", "records as a JSON array or JSON lines; - reads stdin")
	cmd.Flags().StringVar(&contexts, "contexts", "", "JSON object of risk contexts keyed by cluster or external id")
	return cmd
}

func newDetectCommand(root *rootOptions) *cobra.Command {
	var text, country string

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run the pattern matcher over one text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := root.engine()
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), eng.Detect(text, country))
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "text to inspect")
	cmd.Flags().StringVar(&country, "country", "", "ISO country code")
	return cmd
}

func newScoreCommand(root *rootOptions) *cobra.Command {
	var (
		sources int
		rc      models.RiskContext
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a hypothetical cluster from explicit signals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if sources < 1 {
				return errors.New("--sources must be at least 1")
			}
			eng, err := root.engine()
			if err != nil {
				return err
			}
			cluster := models.EntityCluster{ID: "adhoc", SourceCount: sources}
			return writeJSON(cmd.OutOrStdout(), eng.Score(cluster, rc))
		},
	}
	cmd.Flags().IntVar(&sources, "sources", 1, "number of distinct sources in the cluster")
	cmd.Flags().BoolVar(&rc.SanctionsListMembership, "sanctions", false, "cluster appears on a sanctions list")
	cmd.Flags().IntVar(&rc.DualUseKeywordCount, "dual-use", 0, "dual-use keyword hits")
	cmd.Flags().Float64Var(&rc.Amount, "amount", 0, "largest contract value")
	cmd.Flags().BoolVar(&rc.StateOwnership, "state-owned", false, "state ownership indicator")
	return cmd
}

func newPolicyCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect correlation policies",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a policy file and build an engine from it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := config.LoadPolicy(args[0])
			if err != nil {
				return err
			}
			if _, err := engine.New(policy, engine.Options{}, root.logger()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Print the effective policy as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			policy, err := config.LoadPolicy(root.policyFile)
			if err != nil {
				return err
			}
			data, err := policy.Marshal()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}

func readRecordsFrom(stdin io.Reader, path string) ([]models.EntityRecord, error) {
	if path == "" || path == "-" {
		return readRecords(stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open input")
	}
	defer f.Close()
	return readRecords(f)
}

// readRecords accepts a JSON array or a stream of JSON objects.
func readRecords(r io.Reader) ([]models.EntityRecord, error) {
	br := bufio.NewReader(r)
	head, err := peekNonSpace(br)
	if err != nil {
		if err == io.EOF {
			return []models.EntityRecord{}, nil
		}
		return nil, errors.Wrap(err, "failed to read input")
	}

	dec := json.NewDecoder(br)
	if head == '[' {
		var records []models.EntityRecord
		if err := dec.Decode(&records); err != nil {
			return nil, errors.Wrap(err, "failed to decode records")
		}
		return records, nil
	}

	records := []models.EntityRecord{}
	for line := 1; ; line++ {
		var rec models.EntityRecord
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return records, nil
			}
			return nil, errors.Wrapf(err, "failed to decode record %d", line)
		}
		records = append(records, rec)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsAny(b, " \t\r\n") {
			return b[0], nil
		}
		if _, err := br.ReadByte(); err != nil {
			return 0, err
		}
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
