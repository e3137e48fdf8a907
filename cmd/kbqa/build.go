package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Fhyywen/shixun-qiu/internal/analyzer"
	"github.com/Fhyywen/shixun-qiu/internal/knowledge"
)

func pathArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func buildCmd(root *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "build [path]",
		Short: "Build or incrementally update a knowledge base",
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

			res, err := a.knowledge.Build(cmd.Context(), pathArg(args), force)
			if errors.Is(err, knowledge.ErrEmptyKnowledgeBase) {
				return fmt.Errorf("知识库目录为空或不存在: %w", err)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "知识库构建完成，共处理 %d 个文档块\n", res.Chunks)
			fmt.Fprintf(out, "路径: %s\n", res.Path)
			fmt.Fprintf(out, "文档: 新增或更新 %d, 跳过 %d, 替换 %d, 失败 %d\n",
				res.Documents, res.Skipped, res.Replaced, res.Failed)
			fmt.Fprintf(out, "加载: 成功 %d, 失败 %d, 不支持 %d\n", res.Loaded, res.LoadFailed, res.Unsupported)
			fmt.Fprintf(out, "索引总块数: %d, 用时 %s\n", res.TotalChunks, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "discard the existing index and rebuild from scratch")
	return cmd
}

func analyzeCmd(root *rootOptions) *cobra.Command {
	var reportOnly bool
	cmd := &cobra.Command{
		Use:   "analyze [path]",
		Short: "Compute knowledge base statistics and print the report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root.configPath)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, appOptions{graph: true})
			if err != nil {
				return err
			}
			defer a.Close()

			path, err := a.knowledge.ResolvePath(pathArg(args))
			if err != nil {
				return err
			}

			var st *analyzer.Stats
			if reportOnly {
				st, err = a.analyzer.Load(path)
			} else {
				st, err = a.analyzer.Analyze(cmd.Context(), path)
			}
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), analyzer.FormatReport(st))
			if !reportOnly {
				fmt.Fprintf(cmd.OutOrStdout(), "\n统计结果已保存到: %s\n", a.analyzer.StatisticsPath(path))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&reportOnly, "report", false, "print the saved report without re-analyzing")
	return cmd
}
