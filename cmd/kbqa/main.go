package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Fhyywen/shixun-qiu/internal/query"
	appLogger "github.com/Fhyywen/shixun-qiu/pkg/logger"
)

type rootOptions struct {
	configPath    string
	listPipelines bool
	pipeline      string
	query         string
	kb            string
	webui         bool
	cli           bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	appLogger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "kbqa",
		Short:        "Knowledge base question answering",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoot(cmd, opts)
		},
	}

	f := root.Flags()
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default is ./config.yaml)")
	f.BoolVar(&opts.listPipelines, "list-pipelines", false, "list available pipelines")
	f.StringVar(&opts.pipeline, "pipeline", "", "pipeline used to answer --query")
	f.StringVar(&opts.query, "query", "", "question to answer")
	f.StringVar(&opts.kb, "kb", "", "knowledge base directory")
	f.BoolVar(&opts.webui, "webui", false, "start the web server")
	f.BoolVar(&opts.cli, "cli", false, "interactive question loop")

	root.AddCommand(
		serveCmd(opts),
		buildCmd(opts),
		analyzeCmd(opts),
		migrateCmd(opts),
		evalCmd(opts),
		datasetCmd(opts),
		sessionsCmd(opts),
	)
	return root
}

func runRoot(cmd *cobra.Command, opts *rootOptions) error {
	if !opts.listPipelines && opts.query == "" && !opts.webui && !opts.cli {
		return cmd.Help()
	}
	if opts.webui {
		return runServe(cmd.Context(), opts.configPath, "")
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if opts.listPipelines {
		fmt.Fprintln(out, "可用的流水线:")
		for _, name := range a.pipelines.Names() {
			fmt.Fprintf(out, "  - %s\n", name)
		}
		return nil
	}

	pipelineName := opts.pipeline
	if pipelineName == "" {
		pipelineName = cfg.Pipelines.Default
	}
	if pipelineName == "" {
		pipelineName = query.DefaultPipeline
	}
	if _, err := a.pipelines.Get(pipelineName); err != nil {
		return err
	}

	if opts.query != "" {
		return answer(cmd.Context(), out, a.engine, query.AskRequest{
			Question:          opts.query,
			KnowledgeBasePath: opts.kb,
			Pipeline:          pipelineName,
		})
	}
	return interactive(cmd.Context(), cmd.InOrStdin(), out, a.engine, opts.kb, pipelineName)
}

func answer(ctx context.Context, out io.Writer, engine *query.Engine, req query.AskRequest) error {
	resp, err := engine.Ask(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "回答: %s\n", resp.Answer)
	if len(resp.Sources) > 0 {
		fmt.Fprintln(out, "来源:")
		for _, s := range resp.Sources {
			fmt.Fprintf(out, "  - %s (%.2f)\n", s.Source, s.Similarity)
		}
	}
	return nil
}

// interactive answers one question per line until quit, exit, q or EOF.
// The session id of the first answer is reused so follow-ups see history.
func interactive(ctx context.Context, in io.Reader, out io.Writer, engine *query.Engine, kb, pipelineName string) error {
	fmt.Fprintln(out, "知识库问答系统，输入 quit、exit 或 q 退出")
	scanner := bufio.NewScanner(in)
	sessionID := ""
	for {
		fmt.Fprint(out, "\n问题: ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "quit", "exit", "q":
			return nil
		case "":
			continue
		}

		resp, err := engine.Ask(ctx, query.AskRequest{
			Question:          line,
			KnowledgeBasePath: kb,
			Pipeline:          pipelineName,
			SessionID:         sessionID,
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(out, "处理问题时出错: %v\n", err)
			continue
		}
		sessionID = resp.SessionID
		fmt.Fprintf(out, "回答: %s\n", resp.Answer)
	}
	return scanner.Err()
}
