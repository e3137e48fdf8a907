package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Fhyywen/shixun-qiu/internal/evaluation"
	appLogger "github.com/Fhyywen/shixun-qiu/pkg/logger"
)

func evalCmd(root *rootOptions) *cobra.Command {
	var (
		datasetPath string
		k           int
		kb          string
		pipeline    string
		output      string
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate retrieval and answers against a JSON test set",
		RunE: func(cmd *cobra.Command, args []string) error {
			if datasetPath == "" {
				return errors.New("--dataset is required")
			}
			cases, err := evaluation.LoadDataset(datasetPath)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			kbPath, err := a.knowledge.ResolvePath(kb)
			if err != nil {
				return err
			}
			ev := evaluation.NewEvaluator(a.knowledge, a.engine, kbPath, appLogger.Named("evaluation"),
				evaluation.WithJudge(a.llm),
				evaluation.WithEmbedder(a.embedder),
				evaluation.WithPipeline(pipeline),
			)

			var (
				queries, references []string
				retrieved           []string
				truths              [][]string
			)
			for _, tc := range cases {
				if len(tc.RelevantDocs) > 0 {
					retrieved = append(retrieved, tc.Query)
					truths = append(truths, tc.RelevantDocs)
				}
				if tc.ReferenceAnswer != "" {
					queries = append(queries, tc.Query)
					references = append(references, tc.ReferenceAnswer)
				}
			}

			report := ev.NewReport()
			ctx := cmd.Context()
			if len(retrieved) > 0 {
				if report.Retrieval, err = ev.EvaluateRetrieval(ctx, retrieved, truths, k); err != nil {
					return err
				}
			}
			if len(queries) > 0 {
				if report.Generation, err = ev.EvaluateGeneration(ctx, queries, references); err != nil {
					return err
				}
			}
			if report.EndToEnd, err = ev.EvaluateEndToEnd(ctx, cases); err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), evaluation.FormatReport(report))
			if output != "" {
				if err := evaluation.SaveReport(output, report); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\nReport saved to %s\n", output)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&datasetPath, "dataset", "", "JSON array of {query, relevant_docs, reference_answer}")
	f.IntVar(&k, "k", 5, "retrieval cutoff")
	f.StringVar(&kb, "kb", "", "knowledge base directory")
	f.StringVar(&pipeline, "pipeline", "", "pipeline used to answer")
	f.StringVar(&output, "output", "", "write the report as JSON to this file")
	return cmd
}
