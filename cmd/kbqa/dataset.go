package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Fhyywen/shixun-qiu/internal/dataset"
	appLogger "github.com/Fhyywen/shixun-qiu/pkg/logger"
)

func datasetCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dataset",
		Short: "Build and inspect training datasets",
	}
	cmd.AddCommand(datasetGenerateCmd(root), datasetSplitCmd(), datasetCheckCmd())
	return cmd
}

func datasetGenerateCmd(root *rootOptions) *cobra.Command {
	var (
		perDoc    int
		negatives int
		outDir    string
		seed      int64
	)
	cmd := &cobra.Command{
		Use:   "generate [path]",
		Short: "Generate SFT and negative samples from knowledge base documents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			if a.llm == nil {
				return errors.New("dataset generation requires an llm provider")
			}

			path, err := a.knowledge.ResolvePath(pathArg(args))
			if err != nil {
				return err
			}
			loaded, err := a.processor.LoadDocuments(cmd.Context(), path)
			if err != nil {
				return err
			}
			docs := make([]string, 0, len(loaded.Documents))
			for _, d := range loaded.Documents {
				docs = append(docs, d.Content)
			}
			if len(docs) == 0 {
				return fmt.Errorf("no documents found in %s", path)
			}

			c := dataset.NewConstructor(a.llm, appLogger.Named("dataset"))
			queries, err := c.GenerateQueries(cmd.Context(), docs, perDoc)
			if err != nil {
				return err
			}
			sft := dataset.CreateSFT(docs, queries)
			neg := dataset.CreateNegatives(queries, docs, negatives, rand.New(rand.NewSource(seed)))

			sftPath := filepath.Join(outDir, "sft_data.jsonl")
			negPath := filepath.Join(outDir, "negative_samples.jsonl")
			if err := dataset.SaveJSONL(sftPath, sft); err != nil {
				return err
			}
			if err := dataset.SaveJSONL(negPath, neg); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "queries: %d\n", len(queries))
			fmt.Fprintf(out, "sft samples: %d -> %s\n", len(sft), sftPath)
			fmt.Fprintf(out, "negative samples: %d -> %s\n", len(neg), negPath)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&perDoc, "per-doc", 5, "questions generated per document")
	f.IntVar(&negatives, "negatives", 3, "negative documents per question")
	f.StringVar(&outDir, "output-dir", "data/training", "output directory")
	f.Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed for negative sampling")
	return cmd
}

func datasetSplitCmd() *cobra.Command {
	var (
		train, val, test float64
		seed             int64
		outDir           string
	)
	cmd := &cobra.Command{
		Use:   "split <file.jsonl>",
		Short: "Split a JSONL dataset into train, validation and test files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := dataset.LoadJSONL(args[0])
			if err != nil {
				return err
			}
			tr, va, te, err := dataset.Split(data, train, val, test, seed)
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = filepath.Dir(args[0])
			}
			out := cmd.OutOrStdout()
			for _, part := range []struct {
				name string
				data []dataset.Record
			}{{"train", tr}, {"val", va}, {"test", te}} {
				p := filepath.Join(outDir, part.name+".jsonl")
				if err := dataset.SaveJSONL(p, part.data); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %d -> %s\n", part.name, len(part.data), p)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.Float64Var(&train, "train", 0.8, "train ratio")
	f.Float64Var(&val, "val", 0.1, "validation ratio")
	f.Float64Var(&test, "test", 0.1, "test ratio")
	f.Int64Var(&seed, "seed", 42, "shuffle seed")
	f.StringVar(&outDir, "output-dir", "", "output directory (default next to the input)")
	return cmd
}

func datasetCheckCmd() *cobra.Command {
	var (
		field  string
		fields []string
	)
	cmd := &cobra.Command{
		Use:   "check <file.jsonl>",
		Short: "Report size, format and quality of a JSONL dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := dataset.LoadJSONL(args[0])
			if err != nil {
				return err
			}
			result := struct {
				Stats       dataset.Stats         `json:"stats"`
				ValidFormat *bool                 `json:"valid_format,omitempty"`
				Quality     dataset.QualityReport `json:"quality"`
			}{
				Stats:   dataset.ComputeStats(data),
				Quality: dataset.CheckQuality(data, field),
			}
			if len(fields) > 0 {
				ok := dataset.ValidateFormat(data, fields)
				result.ValidFormat = &ok
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			enc.SetEscapeHTML(false)
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&field, "field", "text", "field checked for empty, short and duplicate values")
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "fields every record must have")
	return cmd
}
